// Package ledger keeps the hash table: a datastore table on the portal,
// keyed by resource id, holding the content hash of the file last synced
// into each resource's datastore table.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/schema"
)

const (
	DefaultPackage  = "hash-table"
	DefaultResource = "hash-table.csv"

	// PrimaryKey is the ledger table's key column.
	PrimaryKey = "datastore_id"
)

// Fields is the fixed schema of the ledger table.
var Fields = []schema.Field{
	{ID: "datastore_id", Type: schema.TypeText},
	{ID: "hash", Type: schema.TypeText},
}

// Items a lookup can find missing, from outermost to innermost.
const (
	ItemPackage   = "package"
	ItemResource  = "resource"
	ItemDatastore = "datastore"
	ItemEntry     = "entry"
)

// Entry is one ledger row.
type Entry struct {
	DatastoreID string `json:"datastore_id"`
	Hash        string `json:"hash"`
}

// Status tells whether a lookup found a hash.
type Status int

const (
	Absent Status = iota
	Found
)

func (s Status) String() string {
	if s == Found {
		return "found"
	}
	return "absent"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Lookup is the result of Get. Unexpected failures are returned as errors
// instead; a Lookup only describes a confirmed hit or a confirmed absence.
type Lookup struct {
	Status Status `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Item   string `json:"item,omitempty"` // what was missing when Absent
	Reason string `json:"reason,omitempty"`
}

// Err returns nil for a hit and a not-found error naming the missing item
// otherwise.
func (l Lookup) Err() error {
	if l.Status == Found {
		return nil
	}
	return ErrLedgerMiss.New(l.Reason).WithDetail(apperrors.DetailItem, l.Item)
}

// Options locate the ledger on the portal. TableID, when set, names the
// ledger resource directly and Package/Resource are not consulted.
type Options struct {
	Package      string
	Resource     string
	TableID      string
	Organization string
}

// Ledger reads and writes the hash table through a ckan.Store. Resolved
// ids are cached; a Ledger is safe for concurrent use.
type Ledger struct {
	store ckan.Store
	opts  Options

	mu        sync.Mutex
	packageID string
	tableID   string
}

// New creates a Ledger. Empty Package and Resource take the defaults.
func New(store ckan.Store, opts Options) *Ledger {
	if opts.Package == "" {
		opts.Package = DefaultPackage
	}
	if opts.Resource == "" {
		opts.Resource = DefaultResource
	}
	return &Ledger{store: store, opts: opts, tableID: opts.TableID}
}

// Package returns the ledger package name.
func (l *Ledger) Package() string { return l.opts.Package }

// resolve finds the ledger resource. A non-empty item names what is
// missing; err is reserved for unexpected failures.
func (l *Ledger) resolve(ctx context.Context) (tableID, item, reason string, err error) {
	if l.tableID != "" {
		return l.tableID, "", "", nil
	}

	pkg, err := l.store.ShowPackage(ctx, l.opts.Package)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", ItemPackage, fmt.Sprintf("Package `%s` was not found!", l.opts.Package), nil
	}
	if err != nil {
		return "", "", "", err
	}
	l.packageID = pkg.ID

	var res *ckan.Resource
	for i := range pkg.Resources {
		if pkg.Resources[i].Name == l.opts.Resource {
			res = &pkg.Resources[i]
			break
		}
	}
	if res == nil && len(pkg.Resources) > 0 {
		res = &pkg.Resources[0]
	}
	if res == nil {
		return "", ItemResource, fmt.Sprintf("No resources found in package `%s`!", l.opts.Package), nil
	}
	l.tableID = res.ID
	return l.tableID, "", "", nil
}

// Get looks up the hash recorded for resourceID.
func (l *Ledger) Get(ctx context.Context, resourceID string) (Lookup, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tableID, item, reason, err := l.resolve(ctx)
	if err != nil {
		return Lookup{}, err
	}
	if item != "" {
		return Lookup{Status: Absent, Item: item, Reason: reason}, nil
	}

	hash, found, err := l.store.SearchHash(ctx, tableID, resourceID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Lookup{Status: Absent, Item: ItemDatastore, Reason: fmt.Sprintf("Hash table `%s` was not found", tableID)}, nil
	}
	if err != nil {
		return Lookup{}, err
	}
	if !found {
		return Lookup{Status: Absent, Item: ItemEntry, Reason: fmt.Sprintf("Resource `%s` not found in hash table", resourceID)}, nil
	}
	log.Debug().Str("resource_id", resourceID).Str("hash", hash).Msg("found hash in ledger")
	return Lookup{Status: Found, Hash: hash}, nil
}

// Ensure creates whatever part of the ledger is missing (package, resource,
// table) and returns the ledger table id. Calling it again is a no-op.
func (l *Ledger) Ensure(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tableID, item, _, err := l.resolve(ctx)
	if err != nil {
		return "", err
	}

	if item == ItemPackage {
		if err := l.createPackage(ctx); err != nil {
			return "", err
		}
		item = ItemResource
	}
	if item == ItemResource {
		log.Info().Str("package", l.opts.Package).Msg("creating hash table resource")
		r, err := l.store.CreateResource(ctx, l.packageID, ckan.ResourcePayload{
			DatastoreOnly: true,
			Name:          l.opts.Resource,
			Format:        "csv",
			Description:   "Content hashes of synced datastore resources",
		})
		if err != nil {
			return "", err
		}
		l.tableID = r.ID
		tableID = r.ID
	}

	_, err = l.store.SearchRecords(ctx, tableID, ckan.SearchQuery{Limit: 1})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		log.Info().Str("resource_id", tableID).Msg("creating hash table")
		if _, err := l.store.CreateTable(ctx, tableID, Fields, ckan.TableOptions{PrimaryKey: []string{PrimaryKey}}); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	return tableID, nil
}

func (l *Ledger) createPackage(ctx context.Context) error {
	owner := l.opts.Organization
	if owner == "" {
		orgs, err := l.store.OrganizationsForUser(ctx, "create_dataset")
		if err != nil {
			return err
		}
		if len(orgs) == 0 {
			return ErrNoOrganization
		}
		owner = orgs[0].ID
	}

	log.Info().Str("package", l.opts.Package).Str("owner_org", owner).Msg("creating hash table package")
	pkg, err := l.store.CreatePackage(ctx, ckan.PackageSpec{
		Name:     l.opts.Package,
		Title:    "Hash table",
		OwnerOrg: owner,
		Private:  true,
	})
	if err != nil {
		return err
	}
	l.packageID = pkg.ID
	return nil
}

// Put records hash for resourceID. The ledger table must exist.
func (l *Ledger) Put(ctx context.Context, resourceID, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tableID, item, reason, err := l.resolve(ctx)
	if err != nil {
		return err
	}
	if item != "" {
		return Lookup{Item: item, Reason: reason}.Err()
	}

	res, err := l.store.UpsertRecords(ctx, tableID,
		ckan.Records(schema.Record{"datastore_id": resourceID, "hash": hash}),
		ckan.UpsertOptions{Method: ckan.MethodUpsert})
	if err != nil {
		return err
	}
	if res.Status != ckan.UpsertOK {
		return ErrLedgerWrite.New(fmt.Sprintf("unable to record hash for %s: %s", resourceID, res.Status))
	}
	log.Debug().Str("resource_id", resourceID).Str("hash", hash).Msg("recorded hash in ledger")
	return nil
}
