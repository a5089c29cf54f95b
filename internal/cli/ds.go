package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/datasync"
	"github.com/tansive/ckansync/internal/hasher"
	"github.com/tansive/ckansync/internal/schema"
)

// syncFlags are the flags shared by the commands that run the sync
// workflow.
type syncFlags struct {
	hashTable   string
	noLedger    bool
	force       bool
	chunkRows   int
	chunkBytes  int
	primaryKey  []string
	aliases     []string
	indexes     []string
	sanitize    bool
	typeCast    bool
	sampleTypes bool
	schemaFile  string
	encoding    string
	sheet       int
	hashAlgo    string
}

func (f *syncFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.hashTable, "hash-table", "H", "", "Name of the hash table package (default from config)")
	fs.BoolVar(&f.noLedger, "no-ledger", false, "Do not consult or update the hash table")
	fs.BoolVarP(&f.force, "force", "f", false, "Load even when the file is unchanged, and write to read-only tables")
	fs.IntVarP(&f.chunkRows, "chunksize-rows", "c", 0, "Records per upsert request (default from config)")
	fs.IntVarP(&f.chunkBytes, "chunksize-bytes", "C", 0, "Bytes per read while downloading and hashing (default from config)")
	fs.StringSliceVarP(&f.primaryKey, "primary-key", "p", nil, "Primary key columns; records are upserted instead of replacing the table")
	fs.StringSliceVar(&f.aliases, "aliases", nil, "Aliases of the datastore table")
	fs.StringSliceVar(&f.indexes, "indexes", nil, "Columns to index")
	fs.BoolVarP(&f.sanitize, "sanitize", "s", false, "Normalise header names")
	fs.BoolVarP(&f.typeCast, "type-cast", "t", false, "Infer field types from header names and cast values")
	fs.BoolVar(&f.sampleTypes, "sample-types", false, "Infer field types from sampled values")
	fs.StringVar(&f.schemaFile, "schema", "", "JSON file with the table fields, skips type inference")
	fs.StringVarP(&f.encoding, "encoding", "e", "", "Text encoding of the file, detected when not set")
	fs.IntVar(&f.sheet, "sheet", 0, "Spreadsheet sheet index")
	fs.StringVar(&f.hashAlgo, "hash-algo", hasher.DefaultAlgorithm, "Hash algorithm for change detection")
}

// options resolves the workflow options, taking chunk sizes from the
// config when the flags are not set.
func (f *syncFlags) options(cmd *cobra.Command, cfg *Config) (datasync.Options, error) {
	opts := datasync.Options{
		SampleTypes: f.sampleTypes,
		TypeCast:    f.typeCast,
		Sanitize:    f.sanitize,
		PrimaryKey:  f.primaryKey,
		Aliases:     f.aliases,
		Indexes:     f.indexes,
		ChunkRows:   cfg.ChunkRows,
		ChunkBytes:  cfg.ChunkBytes,
		Encoding:    f.encoding,
		Sheet:       f.sheet,
		HashAlgo:    f.hashAlgo,
		Force:       f.force,
	}
	if cmd.Flags().Changed("chunksize-rows") {
		opts.ChunkRows = f.chunkRows
	}
	if cmd.Flags().Changed("chunksize-bytes") {
		opts.ChunkBytes = f.chunkBytes
	}
	if opts.ChunkRows < 0 || opts.ChunkBytes < 0 {
		return opts, ErrUsage.Msg("chunk sizes must not be negative")
	}
	if _, err := hasher.New(f.hashAlgo); err != nil {
		return opts, err
	}
	if f.schemaFile != "" {
		fields, err := schema.LoadFieldsFile(f.schemaFile)
		if err != nil {
			return opts, err
		}
		opts.Fields = fields
	}
	return opts, nil
}

// syncer builds the workflow for store, with the hash table unless
// --no-ledger is set.
func (f *syncFlags) syncer(cmd *cobra.Command, g *globals, store ckan.Store) (*datasync.Syncer, error) {
	opts, err := f.options(cmd, g.cfg)
	if err != nil {
		return nil, err
	}
	if f.noLedger {
		return datasync.New(store, nil, opts), nil
	}
	return datasync.New(store, g.ledgerFor(store, f.hashTable), opts), nil
}

// reportOutcome prints a workflow outcome and returns its error.
func reportOutcome(cmd *cobra.Command, g *globals, out *datasync.Outcome, err error) error {
	if out == nil {
		return err
	}
	w := cmd.OutOrStdout()
	if g.format() != formatText {
		if perr := printValue(w, g.format(), outcomeView(out)); perr != nil {
			return perr
		}
		if err != nil {
			return handledError{err}
		}
		return nil
	}
	printOutcome(w, out)
	return err
}

// outcomeView adds the error text to the structured outcome.
func outcomeView(out *datasync.Outcome) any {
	if out.Err == nil {
		return out
	}
	return struct {
		*datasync.Outcome
		Error string `json:"error"`
	}{out, errorText(out.Err)}
}

func newDatastoreCmd(g *globals) *cobra.Command {
	dsCmd := &cobra.Command{
		Use:     "ds",
		Aliases: []string{"datastore"},
		Short:   "Manage datastore tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	dsCmd.AddCommand(newDSUpdateCmd(g))
	dsCmd.AddCommand(newDSUploadCmd(g))
	dsCmd.AddCommand(newDSDeleteCmd(g))
	dsCmd.AddCommand(newDSMigrateCmd(g))
	dsCmd.AddCommand(newLedgerCmd(g))
	return dsCmd
}

func newDSUpdateCmd(g *globals) *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "update RESOURCE_ID",
		Short: "Load the file of a resource into its datastore table",
		Long: `Download the file of a filestore resource and load it into the datastore
table of the same resource. The load is skipped when the hash table shows
the file is unchanged, unless --force is given.

Examples:
  ckansync ds update 5a7c1f0e-... --type-cast
  ckansync ds update 5a7c1f0e-... -p id --chunksize-rows 500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.store()
			if err != nil {
				return err
			}
			s, err := f.syncer(cmd, g, store)
			if err != nil {
				return err
			}
			out, err := s.Run(cmd.Context(), args[0])
			return reportOutcome(cmd, g, out, err)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newDSUploadCmd(g *globals) *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "upload RESOURCE_ID FILE",
		Short: "Load a local file into the datastore table of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.store()
			if err != nil {
				return err
			}
			s, err := f.syncer(cmd, g, store)
			if err != nil {
				return err
			}
			out, err := s.RunFile(cmd.Context(), args[0], args[1], "")
			return reportOutcome(cmd, g, out, err)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newDSDeleteCmd(g *globals) *cobra.Command {
	var (
		filters string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "delete RESOURCE_ID",
		Short: "Delete a datastore table, or the records matching --filters",
		Long: `Delete the datastore table of a resource. A missing table is reported and
is not an error. Read-only tables need --force.

Examples:
  ckansync ds delete 5a7c1f0e-...
  ckansync ds delete 5a7c1f0e-... --filters '{"year": 2019}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ckan.DeleteOptions{Force: force}
			if filters != "" {
				if err := json.Unmarshal([]byte(filters), &opts.Filters); err != nil {
					return ErrUsage.Msg(fmt.Sprintf("--filters must be a JSON object: %v", err))
				}
			}
			store, err := g.store()
			if err != nil {
				return err
			}
			res, err := store.DeleteTable(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if g.format() != formatText {
				return printValue(cmd.OutOrStdout(), g.format(), res)
			}
			printDeleteResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&filters, "filters", "", "JSON object of column values selecting the records to delete")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Delete even when the table is read only")
	return cmd
}

func newDSMigrateCmd(g *globals) *cobra.Command {
	var (
		f    syncFlags
		dest portal
	)
	cmd := &cobra.Command{
		Use:   "migrate SOURCE_ID [DEST_ID]",
		Short: "Load the file of a resource on this portal into a table on another portal",
		Long: `Download the file of SOURCE_ID from the configured portal and load it into
the datastore table of DEST_ID on the destination portal. DEST_ID defaults
to SOURCE_ID. The hash table of the destination portal is used.

Examples:
  ckansync ds migrate 5a7c1f0e-... 0b9d2e4a-... --dest-remote https://staging.example.org --dest-api-key $KEY`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, destID := args[0], args[0]
			if len(args) == 2 {
				destID = args[1]
			}
			src, err := g.store()
			if err != nil {
				return err
			}
			dst, err := g.storeFor(dest)
			if err != nil {
				return err
			}
			s, err := f.syncer(cmd, g, dst)
			if err != nil {
				return err
			}
			out, err := s.Migrate(cmd.Context(), src, sourceID, destID)
			return reportOutcome(cmd, g, out, err)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&dest.remote, "dest-remote", "", "Destination portal URL (default: the configured portal)")
	cmd.Flags().StringVar(&dest.apiKey, "dest-api-key", "", "API key of the destination portal")
	return cmd
}
