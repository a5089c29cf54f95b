package cli

import (
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/ledger"
)

// portal describes one CKAN portal a command talks to.
type portal struct {
	remote string
	apiKey string
}

// clientConfig builds the ckan client settings for the configured portal,
// or for p when it names another one.
func (cfg *Config) clientConfig(p portal) ckan.Config {
	c := ckan.Config{
		Remote:      cfg.Remote,
		APIKey:      cfg.APIKey,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.Timeout,
		ReadRetries: cfg.ReadRetries,
	}
	if p.remote != "" {
		c.Remote = MorphServer(p.remote)
		c.APIKey = p.apiKey
	}
	return c
}

// store returns a client for the configured portal.
func (g *globals) store() (*ckan.Client, error) {
	return g.storeFor(portal{})
}

// storeFor returns a client for p, falling back to the configured portal.
func (g *globals) storeFor(p portal) (*ckan.Client, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	return ckan.New(g.cfg.clientConfig(p))
}

// ledgerFor returns the hash table on store. hashTable overrides the
// configured package name.
func (g *globals) ledgerFor(store ckan.Store, hashTable string) *ledger.Ledger {
	opts := ledger.Options{
		Package:      g.cfg.HashTable,
		Resource:     g.cfg.HashTableResource,
		TableID:      g.cfg.HashTableID,
		Organization: g.cfg.Organization,
	}
	if hashTable != "" {
		opts.Package = hashTable
		opts.TableID = ""
	}
	return ledger.New(store, opts)
}
