package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/datasync"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"sigs.k8s.io/yaml"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var titleCase = cases.Title(language.English)

// printJSON prints v as indented JSON.
func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "{\"error\": %q}\n", err.Error())
		return
	}
	fmt.Fprintln(w, string(b))
}

// printValue prints v as JSON or YAML. Text output of structured values
// falls back to YAML.
func printValue(w io.Writer, format string, v any) error {
	if format == formatJSON {
		printJSON(w, v)
		return nil
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return ErrOutput.MsgErr("unable to render output", err)
	}
	_, err = w.Write(b)
	return err
}

// printRows prints label/value pairs aligned, skipping empty values.
func printRows(w io.Writer, rows [][2]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	tw.Flush()
}

// label turns an enum value such as "payload-too-large" or "SCHEMA_INFER"
// into a display label.
func label(s string) string {
	s = strings.NewReplacer("-", " ", "_", " ").Replace(strings.ToLower(s))
	return titleCase.String(s)
}

func printOutcome(w io.Writer, out *datasync.Outcome) {
	trace := make([]string, len(out.Trace))
	for i, st := range out.Trace {
		trace[i] = label(string(st))
	}
	state := label(string(out.State))
	switch out.State {
	case datasync.StateDone:
		okLabel.Fprintf(w, "%s\n", state)
	default:
		errorLabel.Fprintf(w, "%s\n", state)
	}

	rows := [][2]string{
		{"Resource", out.ResourceID},
		{"Run", out.RunID},
		{"Trace", strings.Join(trace, " > ")},
	}
	if out.Skipped {
		rows = append(rows, [2]string{"Skipped", "file unchanged since the last load"})
	} else if out.State == datasync.StateDone {
		rows = append(rows, [2]string{"Records", fmt.Sprint(out.Uploaded)})
	}
	rows = append(rows,
		[2]string{"Encoding", out.Encoding},
		[2]string{"Previous hash", out.OldHash},
		[2]string{"Hash", out.NewHash},
	)
	printRows(w, rows)
	if len(out.Fields) > 0 && !out.Skipped {
		fmt.Fprintln(w, "Fields:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, f := range out.Fields {
			fmt.Fprintf(tw, "  %s\t%s\n", f.ID, f.Type)
		}
		tw.Flush()
	}
}

func printDeleteResult(w io.Writer, res ckan.DeleteResult) {
	switch res.Status {
	case ckan.StatusDeleted:
		if len(res.Filters) > 0 {
			okLabel.Fprintf(w, "Deleted filtered records from datastore table %s\n", res.ResourceID)
		} else {
			okLabel.Fprintf(w, "Deleted datastore table %s\n", res.ResourceID)
		}
	case ckan.StatusMissing:
		warnLabel.Fprintf(w, "Datastore table %s was not found\n", res.ResourceID)
	case ckan.StatusReadOnly:
		warnLabel.Fprintf(w, "Datastore table %s is read only", res.ResourceID)
		if res.Hint != "" {
			fmt.Fprintf(w, " (%s)", res.Hint)
		}
		fmt.Fprintln(w)
	}
}

func printResource(w io.Writer, r ckan.Resource) {
	printRows(w, [][2]string{
		{"Id", r.ID},
		{"Name", r.Name},
		{"Package", r.PackageID},
		{"Url", r.URL},
		{"Format", r.Format},
		{"Hash", r.Hash},
		{"Description", r.Description},
		{"Last modified", r.LastModified},
	})
}
