package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/datasync"
	"github.com/tansive/ckansync/internal/hasher"
	"github.com/tansive/ckansync/internal/schema"
)

var (
	ErrDownload apperrors.Error = apperrors.ErrIO.New("unable to save download")
	ErrBadDate  apperrors.Error = apperrors.ErrUsage.New("invalid date")
)

// resourceFlags describe the file and metadata of a created or updated
// resource.
type resourceFlags struct {
	file        string
	url         string
	name        string
	description string
	format      string
}

func (f *resourceFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.file, "file", "", "Local file to upload")
	fs.StringVar(&f.url, "url", "", "Remote file to link")
	fs.StringVar(&f.name, "name", "", "Resource name (default: derived from the file)")
	fs.StringVar(&f.description, "description", "", "Resource description")
	fs.StringVar(&f.format, "format", "", "Resource format (default: derived from the file)")
}

// payload builds the resource payload. Uploaded files carry their sha1
// hash.
func (f *resourceFlags) payload() (ckan.ResourcePayload, error) {
	p := ckan.ResourcePayload{
		URL:         f.url,
		FilePath:    f.file,
		Name:        f.name,
		Description: f.description,
		Format:      f.format,
	}
	if f.file != "" && f.url == "" {
		h, err := hasher.HashFile(f.file, hasher.DefaultAlgorithm, 0)
		if err != nil {
			return p, err
		}
		p.Hash = h
	}
	return p, nil
}

func (g *globals) printResourceResult(cmd *cobra.Command, verb string, r ckan.Resource) error {
	w := cmd.OutOrStdout()
	if g.format() != formatText {
		return printValue(w, g.format(), r)
	}
	okLabel.Fprintf(w, "%s resource %s\n", verb, r.ID)
	printResource(w, r)
	return nil
}

func newFilestoreCmd(g *globals) *cobra.Command {
	fsCmd := &cobra.Command{
		Use:     "fs",
		Aliases: []string{"filestore"},
		Short:   "Manage filestore resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	fsCmd.AddCommand(newFSFetchCmd(g))
	fsCmd.AddCommand(newFSUploadCmd(g))
	fsCmd.AddCommand(newFSUpdateCmd(g))
	fsCmd.AddCommand(newFSShowCmd(g))
	fsCmd.AddCommand(newFSFindCmd(g))
	fsCmd.AddCommand(newFSMigrateCmd(g))
	fsCmd.AddCommand(newFSHashCmd(g))
	return fsCmd
}

// downloadName picks the local file name of a resource: the last segment
// of its url when it has an extension, else the resource name or id with
// the format as extension.
func downloadName(r ckan.Resource) string {
	if u, err := url.Parse(r.DownloadURL()); err == nil {
		if base := path.Base(u.Path); path.Ext(base) != "" && base != "/" {
			return base
		}
	}
	name := r.Name
	if name == "" || strings.ContainsAny(name, `/\`) {
		name = r.ID
	}
	if path.Ext(name) == "" && r.Format != "" {
		name += "." + strings.ToLower(r.Format)
	}
	return name
}

func newFSFetchCmd(g *globals) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "fetch RESOURCE_ID",
		Short: "Download the file of a resource",
		Long: `Download the file of a resource into a directory and print its path.

Examples:
  ckansync fs fetch 5a7c1f0e-... -d /tmp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.store()
			if err != nil {
				return err
			}
			d, err := store.FetchResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Body.Close()

			if err := os.MkdirAll(dest, 0o755); err != nil {
				return ErrDownload.MsgErr(fmt.Sprintf("unable to create %s", dest), err)
			}
			target := filepath.Join(dest, downloadName(d.Resource))
			f, err := os.Create(target)
			if err != nil {
				return ErrDownload.MsgErr(fmt.Sprintf("unable to create %s", target), err)
			}
			bufSize := g.cfg.ChunkBytes
			if bufSize <= 0 {
				bufSize = datasync.DefaultChunkBytes
			}
			n, err := io.CopyBuffer(f, d.Body, make([]byte, bufSize))
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(target)
				return ErrDownload.MsgErr(fmt.Sprintf("unable to save %s", target), err)
			}

			w := cmd.OutOrStdout()
			if g.format() != formatText {
				return printValue(w, g.format(), map[string]any{
					"resource_id":  args[0],
					"path":         target,
					"bytes":        n,
					"content_type": d.ContentType,
				})
			}
			fmt.Fprintln(w, target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", ".", "Directory to save the file in")
	return cmd
}

func newFSUploadCmd(g *globals) *cobra.Command {
	var f resourceFlags
	cmd := &cobra.Command{
		Use:   "upload PACKAGE_ID (--file FILE | --url URL)",
		Short: "Create a resource in a package",
		Long: `Create a filestore resource in a package from a local file or a url.

Examples:
  ckansync fs upload my-dataset --file data.csv --description "Monthly figures"
  ckansync fs upload my-dataset --url https://example.org/data.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.payload()
			if err != nil {
				return err
			}
			store, err := g.store()
			if err != nil {
				return err
			}
			r, err := store.CreateResource(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return g.printResourceResult(cmd, "Created", r)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newFSUpdateCmd(g *globals) *cobra.Command {
	var f resourceFlags
	cmd := &cobra.Command{
		Use:   "update RESOURCE_ID (--file FILE | --url URL)",
		Short: "Replace the file of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.payload()
			if err != nil {
				return err
			}
			store, err := g.store()
			if err != nil {
				return err
			}
			r, err := store.UpdateResource(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return g.printResourceResult(cmd, "Updated", r)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newFSShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show RESOURCE_ID",
		Short: "Print the descriptor of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.store()
			if err != nil {
				return err
			}
			r, err := store.ShowResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), r)
			}
			printResource(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

// parseSince accepts any date layout the type caster knows.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, ok := schema.ParseDate(s)
	if !ok {
		return time.Time{}, ErrBadDate.Msg(fmt.Sprintf("unable to parse --since %q", s))
	}
	return t, nil
}

func newFSFindCmd(g *globals) *cobra.Command {
	var (
		q     ckan.Query
		since string
	)
	cmd := &cobra.Command{
		Use:   "find ORGANIZATION_ID",
		Short: "Find the resources of an organization",
		Long: `List the active resources of an organization's packages, newest first.
Packages and resources can be selected by name substring, tag and
modification date.

Examples:
  ckansync fs find my-org --pnamed budget --since 2024-01-01
  ckansync fs find my-org --rtagged monthly -j`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSince(since)
			if err != nil {
				return err
			}
			q.Since = t
			store, err := g.store()
			if err != nil {
				return err
			}
			org, err := store.ShowOrganization(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			matches, err := store.FindResources(cmd.Context(), org.Packages, q)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if g.format() != formatText {
				if matches == nil {
					matches = []ckan.Match{}
				}
				return printValue(w, g.format(), matches)
			}
			if len(matches) == 0 {
				warnLabel.Fprintln(w, "No resources found")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RESOURCE\tPACKAGE")
			for _, m := range matches {
				fmt.Fprintf(tw, "%s\t%s\n", m.ResourceID, m.PackageName)
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&q.PackageNamed, "pnamed", "", "Packages whose name contains this text")
	fl.StringVar(&q.PackageTagged, "ptagged", "", "Packages with this tag")
	fl.StringVar(&q.ResourceNamed, "rnamed", "", "Resources whose name contains this text")
	fl.StringVar(&q.ResourceTagged, "rtagged", "", "Resources with this tag")
	fl.StringVar(&since, "since", "", "Only items modified after this date")
	return cmd
}

func newFSMigrateCmd(g *globals) *cobra.Command {
	var (
		packageID string
		destID    string
		dest      portal
	)
	cmd := &cobra.Command{
		Use:   "migrate SOURCE_ID (--package PACKAGE_ID | --dest RESOURCE_ID)",
		Short: "Copy the file of a resource to another portal",
		Long: `Download the file of SOURCE_ID from the configured portal and upload it to
the destination portal, either as a new resource of --package or as the new
file of the existing resource --dest.

Examples:
  ckansync fs migrate 5a7c1f0e-... --package my-dataset --dest-remote https://staging.example.org --dest-api-key $KEY`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (packageID == "") == (destID == "") {
				return ErrUsage.Msg("specify exactly one of --package or --dest")
			}
			src, err := g.store()
			if err != nil {
				return err
			}
			dst, err := g.storeFor(dest)
			if err != nil {
				return err
			}

			d, err := src.FetchResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer d.Body.Close()

			p := ckan.ResourcePayload{
				Upload:      d.Body,
				FileName:    downloadName(d.Resource),
				Name:        d.Resource.Name,
				Description: d.Resource.Description,
				Format:      d.Resource.Format,
				Hash:        d.Resource.Hash,
			}
			var r ckan.Resource
			verb := "Created"
			if packageID != "" {
				r, err = dst.CreateResource(cmd.Context(), packageID, p)
			} else {
				verb = "Updated"
				r, err = dst.UpdateResource(cmd.Context(), destID, p)
			}
			if err != nil {
				return err
			}
			return g.printResourceResult(cmd, verb, r)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&packageID, "package", "", "Destination package of a new resource")
	fl.StringVar(&destID, "dest", "", "Destination resource whose file is replaced")
	fl.StringVar(&dest.remote, "dest-remote", "", "Destination portal URL (default: the configured portal)")
	fl.StringVar(&dest.apiKey, "dest-api-key", "", "API key of the destination portal")
	return cmd
}

func newFSHashCmd(g *globals) *cobra.Command {
	var (
		algo      string
		chunksize int
	)
	cmd := &cobra.Command{
		Use:   "hash FILE",
		Short: "Print the digest of a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := hasher.HashFile(args[0], algo, chunksize)
			if err != nil {
				return err
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), map[string]string{
					"file":      args[0],
					"algorithm": algo,
					"hash":      sum,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&algo, "algo", hasher.DefaultAlgorithm, fmt.Sprintf("Hash algorithm (%s)", strings.Join(hasher.Algorithms(), ", ")))
	cmd.Flags().IntVar(&chunksize, "chunksize", datasync.DefaultChunkBytes, "Bytes per read, 0 reads the whole file")
	return cmd
}
