// Package ckantest runs an in-memory CKAN portal for tests. It serves the
// action API on an httptest.Server and keeps packages, resources, files
// and datastore tables in maps. Failures can be injected per resource or
// per action.
package ckantest

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Table is a datastore table held by the fake portal.
type Table struct {
	Fields     []map[string]any
	PrimaryKey []string
	Records    []map[string]any
	ReadOnly   bool
}

type failure struct {
	status int
	count  int
}

// Server is a fake CKAN portal.
type Server struct {
	*httptest.Server

	// APIKey, when set, is required on every write action.
	APIKey string

	mu            sync.Mutex
	packages      map[string]map[string]any
	resources     map[string]map[string]any
	revisions     map[string]map[string]any
	orgs          []map[string]any
	tables        map[string]*Table
	files         map[string][]byte
	contentTypes  map[string]string
	denied        map[string]bool
	unauthorized  map[string]bool
	maxUpsertRows int
	failures      map[string]*failure
	calls         map[string]int
	nextID        int
}

// NewServer starts a fake portal. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		packages:     make(map[string]map[string]any),
		resources:    make(map[string]map[string]any),
		revisions:    make(map[string]map[string]any),
		tables:       make(map[string]*Table),
		files:        make(map[string][]byte),
		contentTypes: make(map[string]string),
		denied:       make(map[string]bool),
		unauthorized: make(map[string]bool),
		failures:     make(map[string]*failure),
		calls:        make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/", s.handleAction)
	mux.HandleFunc("/files/", s.handleFile)
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "login required", http.StatusForbidden)
	})
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%04d", prefix, s.nextID)
}

func now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000")
}

// AddOrganization registers an organization the API user belongs to.
func (s *Server) AddOrganization(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("org")
	s.orgs = append(s.orgs, map[string]any{"id": id, "name": name, "title": name})
	return id
}

// AddPackage creates a package and returns its id.
func (s *Server) AddPackage(name, ownerOrg string, tags ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPackage(name, ownerOrg, tags)
}

func (s *Server) addPackage(name, ownerOrg string, tags []string) string {
	id := s.newID("pkg")
	tagList := make([]any, len(tags))
	for i, t := range tags {
		tagList[i] = map[string]any{"name": t}
	}
	s.packages[id] = map[string]any{
		"id":                id,
		"name":              name,
		"title":             name,
		"state":             "active",
		"owner_org":         ownerOrg,
		"tags":              tagList,
		"metadata_modified": now(),
	}
	return id
}

// AddResource creates a resource whose file is served by the portal and
// returns its id.
func (s *Server) AddResource(packageID, name string, content []byte, contentType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("res")
	s.storeResource(id, map[string]any{
		"package_id": packageID,
		"name":       name,
		"format":     strings.TrimPrefix(extOf(name), "."),
		"url_type":   "upload",
	})
	s.files[id] = content
	s.contentTypes[id] = contentType
	return id
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

func (s *Server) storeResource(id string, fields map[string]any) map[string]any {
	rev := s.newID("rev")
	pkgID, _ := fields["package_id"].(string)
	s.revisions[rev] = map[string]any{"id": rev, "timestamp": now(), "packages": []any{pkgID}}

	r := s.resources[id]
	if r == nil {
		r = map[string]any{
			"id":            id,
			"state":         "active",
			"created":       now(),
			"last_modified": "",
			"description":   "",
			"hash":          "",
		}
		s.resources[id] = r
	}
	for k, v := range fields {
		r[k] = v
	}
	r["revision_id"] = rev
	if r["url_type"] == "upload" {
		r["url"] = s.URL + "/files/" + id
	}
	return r
}

// SetFile replaces the file served for a resource.
func (s *Server) SetFile(resourceID string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[resourceID] = content
}

// SetResourceField overwrites one key of a resource descriptor.
func (s *Server) SetResourceField(resourceID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.resources[resourceID]; r != nil {
		r[key] = value
	}
}

// SetPackageField overwrites one key of a package.
func (s *Server) SetPackageField(packageID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.packages[packageID]; p != nil {
		p[key] = value
	}
}

// AddTable creates a datastore table directly.
func (s *Server) AddTable(resourceID string, fields []string, primaryKey ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{PrimaryKey: primaryKey}
	for _, f := range fields {
		t.Fields = append(t.Fields, map[string]any{"id": f, "type": "text"})
	}
	s.tables[resourceID] = t
}

// SetReadOnly marks a datastore table read-only; writes need force.
func (s *Server) SetReadOnly(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tables[resourceID]; t != nil {
		t.ReadOnly = true
	}
}

// LimitUpsertRows makes datastore_upsert answer 413 for batches larger
// than n rows. Zero removes the limit.
func (s *Server) LimitUpsertRows(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxUpsertRows = n
}

// DenyDownload makes the file of a resource redirect to a login page with
// an X-CKAN-Error 403 marker.
func (s *Server) DenyDownload(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[resourceID] = true
}

// RequireAuth makes the file of a resource answer 401.
func (s *Server) RequireAuth(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorized[resourceID] = true
}

// FailNext makes the next count calls of action answer status.
func (s *Server) FailNext(action string, count, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = &failure{status: status, count: count}
}

// Calls returns how many times action was called.
func (s *Server) Calls(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

// Resource returns a copy of a resource descriptor.
func (s *Server) Resource(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, false
	}
	return copyMap(r), true
}

// File returns the stored file of a resource.
func (s *Server) File(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[id]
	return b, ok
}

// PackageByName returns a copy of a package.
func (s *Server) PackageByName(name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findPackage(name)
	if p == nil {
		return nil, false
	}
	return copyMap(p), true
}

// ResourcesOf lists the resource ids of a package in creation order.
func (s *Server) ResourcesOf(packageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourcesOf(packageID)
}

func (s *Server) resourcesOf(packageID string) []string {
	var ids []string
	for id, r := range s.resources {
		if r["package_id"] == packageID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Table returns a copy of a datastore table.
func (s *Server) Table(resourceID string) (Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[resourceID]
	if !ok {
		return Table{}, false
	}
	cp := Table{PrimaryKey: t.PrimaryKey, ReadOnly: t.ReadOnly}
	for _, f := range t.Fields {
		cp.Fields = append(cp.Fields, copyMap(f))
	}
	for _, r := range t.Records {
		cp.Records = append(cp.Records, copyMap(r))
	}
	return cp, true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Server) findPackage(idOrName string) map[string]any {
	if p, ok := s.packages[idOrName]; ok {
		return p
	}
	for _, p := range s.packages {
		if p["name"] == idOrName {
			return p
		}
	}
	return nil
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/files/")
	s.mu.Lock()
	content, exists := s.files[id]
	ct := s.contentTypes[id]
	denied, unauthorized := s.denied[id], s.unauthorized[id]
	s.calls["download"]++
	s.mu.Unlock()

	switch {
	case denied:
		w.Header().Set("X-CKAN-Error", "403 Access denied")
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	case unauthorized:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case !exists:
		http.NotFound(w, r)
		return
	}
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = w.Write(content)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func fail(w http.ResponseWriter, status int, errObj map[string]any) {
	writeJSON(w, status, map[string]any{"success": false, "error": errObj})
}

func notFound(w http.ResponseWriter, msg string) {
	fail(w, http.StatusNotFound, map[string]any{"__type": "Not Found Error", "message": msg})
}

func validation(w http.ResponseWriter, fields map[string]any) {
	errObj := map[string]any{"__type": "Validation Error"}
	for k, v := range fields {
		errObj[k] = v
	}
	fail(w, http.StatusConflict, errObj)
}

var writeActions = map[string]bool{
	"package_create":   true,
	"resource_create":  true,
	"resource_update":  true,
	"datastore_create": true,
	"datastore_delete": true,
	"datastore_upsert": true,
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/3/action/")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[action]++

	if f := s.failures[action]; f != nil && f.count > 0 {
		f.count--
		if f.status == http.StatusRequestEntityTooLarge {
			http.Error(w, "Request Entity Too Large", f.status)
			return
		}
		fail(w, f.status, map[string]any{"__type": "Internal Error", "message": "injected failure"})
		return
	}

	if s.APIKey != "" && writeActions[action] && r.Header.Get("Authorization") != s.APIKey {
		fail(w, http.StatusForbidden, map[string]any{"__type": "Authorization Error", "message": "Access denied"})
		return
	}

	payload, upload, err := readPayload(r)
	if err != nil {
		validation(w, map[string]any{"body": []any{err.Error()}})
		return
	}

	switch action {
	case "resource_show":
		s.resourceShow(w, payload)
	case "resource_create":
		s.resourceCreate(w, payload, upload)
	case "resource_update":
		s.resourceUpdate(w, payload, upload)
	case "package_show":
		s.packageShow(w, payload)
	case "package_create":
		s.packageCreate(w, payload)
	case "revision_show":
		s.revisionShow(w, payload)
	case "organization_show":
		s.organizationShow(w, payload)
	case "organization_list_for_user":
		ok(w, s.orgs)
	case "datastore_create":
		s.datastoreCreate(w, payload)
	case "datastore_delete":
		s.datastoreDelete(w, payload)
	case "datastore_upsert":
		s.datastoreUpsert(w, payload)
	case "datastore_search":
		s.datastoreSearch(w, payload)
	default:
		notFound(w, "Action name not known: "+action)
	}
}

// readPayload decodes a JSON or multipart action body. upload is nil when
// no file was sent.
func readPayload(r *http.Request) (map[string]any, []byte, error) {
	payload := map[string]any{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, err
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, nil, err
			}
		}
		return payload, nil, nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, err
	}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	files := r.MultipartForm.File["upload"]
	if len(files) == 0 {
		return payload, nil, nil
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	upload, err := io.ReadAll(f)
	return payload, upload, err
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func (s *Server) resourceShow(w http.ResponseWriter, payload map[string]any) {
	res, found := s.resources[str(payload, "id")]
	if !found {
		notFound(w, "Not found: Resource was not found.")
		return
	}
	ok(w, res)
}

func (s *Server) resourceCreate(w http.ResponseWriter, payload map[string]any, upload []byte) {
	pkgID := str(payload, "package_id")
	pkg := s.findPackage(pkgID)
	if pkg == nil {
		notFound(w, "Not found: Package was not found.")
		return
	}
	payload["package_id"] = pkg["id"]
	id := s.newID("res")
	if upload != nil {
		s.files[id] = upload
		payload["url_type"] = "upload"
	}
	ok(w, s.storeResource(id, payload))
}

func (s *Server) resourceUpdate(w http.ResponseWriter, payload map[string]any, upload []byte) {
	id := str(payload, "id")
	if _, found := s.resources[id]; !found {
		notFound(w, "Not found: Resource was not found.")
		return
	}
	if upload != nil {
		s.files[id] = upload
		payload["url_type"] = "upload"
	}
	payload["last_modified"] = now()
	ok(w, s.storeResource(id, payload))
}

func (s *Server) packageShow(w http.ResponseWriter, payload map[string]any) {
	pkg := s.findPackage(str(payload, "id"))
	if pkg == nil {
		notFound(w, "Not found")
		return
	}
	out := copyMap(pkg)
	var resources []any
	for _, id := range s.resourcesOf(pkg["id"].(string)) {
		resources = append(resources, s.resources[id])
	}
	out["resources"] = resources
	ok(w, out)
}

func (s *Server) packageCreate(w http.ResponseWriter, payload map[string]any) {
	name := str(payload, "name")
	if name == "" {
		validation(w, map[string]any{"name": []any{"Missing value"}})
		return
	}
	if s.findPackage(name) != nil {
		validation(w, map[string]any{"name": []any{"That URL is already in use."}})
		return
	}
	owner := str(payload, "owner_org")
	if owner != "" && s.findOrg(owner) == nil {
		validation(w, map[string]any{"owner_org": []any{"Organization does not exist"}})
		return
	}
	var tags []string
	if list, isList := payload["tags"].([]any); isList {
		for _, t := range list {
			if m, isMap := t.(map[string]any); isMap {
				tags = append(tags, str(m, "name"))
			}
		}
	}
	id := s.addPackage(name, owner, tags)
	ok(w, s.packages[id])
}

func (s *Server) revisionShow(w http.ResponseWriter, payload map[string]any) {
	rev, found := s.revisions[str(payload, "id")]
	if !found {
		notFound(w, "Not found")
		return
	}
	ok(w, rev)
}

func (s *Server) findOrg(idOrName string) map[string]any {
	for _, o := range s.orgs {
		if o["id"] == idOrName || o["name"] == idOrName {
			return o
		}
	}
	return nil
}

func (s *Server) organizationShow(w http.ResponseWriter, payload map[string]any) {
	org := s.findOrg(str(payload, "id"))
	if org == nil {
		notFound(w, "Not found")
		return
	}
	out := copyMap(org)
	if include, _ := payload["include_datasets"].(bool); include {
		var pkgs []any
		ids := make([]string, 0, len(s.packages))
		for id := range s.packages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if s.packages[id]["owner_org"] == org["id"] {
				pkgs = append(pkgs, s.packages[id])
			}
		}
		out["packages"] = pkgs
	}
	ok(w, out)
}

func readOnlyError(w http.ResponseWriter) {
	validation(w, map[string]any{"read-only": []any{`Cannot edit read-only resource. Either pass"force=True" or change url-type to "datastore"`}})
}

func (s *Server) datastoreCreate(w http.ResponseWriter, payload map[string]any) {
	id := str(payload, "resource_id")
	if _, found := s.resources[id]; !found {
		validation(w, map[string]any{"resource_id": []any{"Not found: Resource"}})
		return
	}
	force, _ := payload["force"].(bool)
	t := s.tables[id]
	if t != nil && t.ReadOnly && !force {
		readOnlyError(w)
		return
	}
	if t == nil {
		t = &Table{}
		s.tables[id] = t
	}
	t.Fields = nil
	if fields, isList := payload["fields"].([]any); isList {
		for _, f := range fields {
			if m, isMap := f.(map[string]any); isMap {
				t.Fields = append(t.Fields, m)
			}
		}
	}
	t.PrimaryKey = toStrings(payload["primary_key"])
	ok(w, map[string]any{"resource_id": id, "fields": t.Fields, "primary_key": t.PrimaryKey})
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func (s *Server) table(w http.ResponseWriter, id string) *Table {
	t := s.tables[id]
	if t == nil {
		notFound(w, fmt.Sprintf("Resource \"%s\" was not found.", id))
	}
	return t
}

func matches(rec map[string]any, filters map[string]any) bool {
	for k, v := range filters {
		if fmt.Sprint(rec[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (s *Server) datastoreDelete(w http.ResponseWriter, payload map[string]any) {
	id := str(payload, "resource_id")
	t := s.table(w, id)
	if t == nil {
		return
	}
	if force, _ := payload["force"].(bool); t.ReadOnly && !force {
		readOnlyError(w)
		return
	}
	filters, _ := payload["filters"].(map[string]any)
	if len(filters) == 0 {
		delete(s.tables, id)
		ok(w, map[string]any{"resource_id": id})
		return
	}
	kept := t.Records[:0]
	for _, rec := range t.Records {
		if !matches(rec, filters) {
			kept = append(kept, rec)
		}
	}
	t.Records = kept
	ok(w, map[string]any{"resource_id": id, "filters": filters})
}

func (s *Server) datastoreUpsert(w http.ResponseWriter, payload map[string]any) {
	id := str(payload, "resource_id")
	t := s.table(w, id)
	if t == nil {
		return
	}
	if force, _ := payload["force"].(bool); t.ReadOnly && !force {
		readOnlyError(w)
		return
	}
	records, _ := payload["records"].([]any)
	if s.maxUpsertRows > 0 && len(records) > s.maxUpsertRows {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	method := str(payload, "method")
	if method == "" {
		method = "upsert"
	}
	for _, item := range records {
		rec, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		idx := -1
		if method != "insert" && len(t.PrimaryKey) > 0 {
			key := make(map[string]any, len(t.PrimaryKey))
			for _, k := range t.PrimaryKey {
				key[k] = rec[k]
			}
			for i, existing := range t.Records {
				if matches(existing, key) {
					idx = i
					break
				}
			}
		}
		switch {
		case idx >= 0:
			t.Records[idx] = rec
		case method == "update":
			validation(w, map[string]any{"key": []any{"key not found"}})
			return
		default:
			t.Records = append(t.Records, rec)
		}
	}
	ok(w, map[string]any{"resource_id": id, "method": method})
}

func (s *Server) datastoreSearch(w http.ResponseWriter, payload map[string]any) {
	id := str(payload, "resource_id")
	t := s.table(w, id)
	if t == nil {
		return
	}
	filters, _ := payload["filters"].(map[string]any)
	fields := toStrings(payload["fields"])

	var matched []map[string]any
	for i, rec := range t.Records {
		if !matches(rec, filters) {
			continue
		}
		out := map[string]any{}
		if len(fields) == 0 {
			out["_id"] = i + 1
			for k, v := range rec {
				out[k] = v
			}
		} else {
			for _, f := range fields {
				out[f] = rec[f]
			}
		}
		matched = append(matched, out)
	}
	total := len(matched)

	offset, _ := payload["offset"].(float64)
	limit, _ := payload["limit"].(float64)
	if int(offset) < len(matched) {
		matched = matched[int(offset):]
	} else {
		matched = nil
	}
	if limit > 0 && int(limit) < len(matched) {
		matched = matched[:int(limit)]
	}

	outFields := t.Fields
	if len(fields) > 0 {
		outFields = nil
		for _, f := range fields {
			outFields = append(outFields, map[string]any{"id": f, "type": "text"})
		}
	}
	if matched == nil {
		matched = []map[string]any{}
	}
	ok(w, map[string]any{"resource_id": id, "fields": outFields, "records": matched, "total": total})
}
