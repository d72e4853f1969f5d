// Command caseflowctl checks workflow definition files offline: it validates
// them the way the server does at load time and previews which workflow a
// new case would be matched to.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/matching"
	"github.com/pitabwire/caseflow/model"
)

var (
	app     = kingpin.New("caseflowctl", "Workflow definition tooling for caseflow")
	noColor = app.Flag("no-color", "Disable colored output").Bool()

	validateCmd   = app.Command("validate", "Validate workflow definition files")
	validatePaths = validateCmd.Arg("paths", "Definition files or directories").Required().ExistingFilesOrDirs()

	matchCmd            = app.Command("match", "Show which workflow a new case would use")
	matchPaths          = matchCmd.Flag("definitions", "Definition files or directories").Short('d').Required().ExistingFilesOrDirs()
	matchRecordType     = matchCmd.Flag("record-type", "Case record type").Default(string(model.RecordIncident)).String()
	matchClassification = matchCmd.Flag("classification", "Classification id").String()
	matchLocation       = matchCmd.Flag("location", "Location id").String()
	matchSource         = matchCmd.Flag("source", "Case source").String()
	matchPriority       = matchCmd.Flag("priority", "Priority (1-5)").Int()
)

var (
	okMark   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failMark = color.New(color.FgRed, color.Bold).SprintFunc()
	dim      = color.New(color.Faint).SprintFunc()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *noColor {
		color.NoColor = true
	}

	var err error
	switch command {
	case validateCmd.FullCommand():
		err = runValidate(os.Stdout, *validatePaths)
	case matchCmd.FullCommand():
		err = runMatch(os.Stdout, *matchPaths, criteria())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", failMark("error:"), err)
		os.Exit(1)
	}
}

func criteria() model.MatchCriteria {
	c := model.MatchCriteria{
		RecordType:       model.RecordType(*matchRecordType),
		ClassificationID: *matchClassification,
		LocationID:       *matchLocation,
		Source:           *matchSource,
	}
	if *matchPriority != 0 {
		p := *matchPriority
		c.Priority = &p
	}
	return c
}

// loadFiles reads every path, expanding directories.
func loadFiles(paths []string) ([]definition.File, error) {
	loader := definition.NewLoader()
	var files []definition.File
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			loaded, err := loader.LoadAll([]string{p})
			if err != nil {
				return nil, err
			}
			files = append(files, loaded...)
			continue
		}
		f, err := loader.LoadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func runValidate(out io.Writer, paths []string) error {
	files, err := loadFiles(paths)
	if err != nil {
		return err
	}

	validator := definition.NewValidator()
	failed := 0
	for _, f := range files {
		errs := validator.Validate(f.Workflows)
		if len(errs) == 0 {
			fmt.Fprintf(out, "%s %s %s\n", okMark("ok"), f.SourceFile, dim(fmt.Sprintf("(%d workflows)", len(f.Workflows))))
			continue
		}
		failed++
		fmt.Fprintf(out, "%s %s\n", failMark("FAIL"), f.SourceFile)
		for _, ve := range errs {
			fmt.Fprintf(out, "    %s [%s] %s\n", ve.Path, ve.Code, ve.Message)
		}
	}

	// Ids must also be unique across files.
	all := definition.Workflows(files)
	if failed == 0 {
		if errs := validator.Validate(all); len(errs) > 0 {
			failed++
			fmt.Fprintf(out, "%s across files\n", failMark("FAIL"))
			for _, ve := range errs {
				fmt.Fprintf(out, "    %s [%s] %s\n", ve.Path, ve.Code, ve.Message)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(files))
	}
	fmt.Fprintf(out, "%d workflows in %d files\n", len(all), len(files))
	return nil
}

func runMatch(out io.Writer, paths []string, c model.MatchCriteria) error {
	if c.RecordType != "" && !c.RecordType.IsCaseType() {
		return fmt.Errorf("record type %q is not a case type", c.RecordType)
	}
	if c.Priority != nil && (*c.Priority < 1 || *c.Priority > 5) {
		return fmt.Errorf("priority must be between 1 and 5")
	}

	files, err := loadFiles(paths)
	if err != nil {
		return err
	}
	candidates := matching.ForRecordType(definition.Workflows(files), c.RecordType)

	for _, w := range candidates {
		state := "active"
		if !w.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(out, "  %-24s score=%-3d %s\n", w.ID, matching.Score(w, c), dim(state))
	}

	w, res := matching.MatchWithResult(candidates, c)
	if res == matching.ResultNone {
		return fmt.Errorf("no active workflow for record type %q", c.RecordType)
	}
	fmt.Fprintf(out, "%s %s (%s) %s\n", okMark("match"), w.ID, w.Name, dim(strings.ToLower(string(res))))
	return nil
}
