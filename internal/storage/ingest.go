package storage

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/objectstore"
)

// Document is the ingestion payload: objects to hydrate into the object
// store, then clients, codes and calcjobs, in that order. Codes reference
// clients by label, calcjobs reference codes by label.
type Document struct {
	Objects  map[string]ObjectSpec `yaml:"objects"`
	Clients  []ClientSpec          `yaml:"clients"`
	Codes    []CodeSpec            `yaml:"codes"`
	CalcJobs []CalcJobSpec         `yaml:"calcjobs"`
}

// ObjectSpec is either inline content or a local filesystem path.
type ObjectSpec struct {
	Content   *string `yaml:"content"`
	Path      *string `yaml:"path"`
	Encoding  string  `yaml:"encoding"`
	Extension string  `yaml:"extension"`
}

// ClientSpec mirrors the client row.
type ClientSpec struct {
	Label           string `yaml:"label"`
	ClientURL       string `yaml:"client_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	TokenURI        string `yaml:"token_uri"`
	MachineName     string `yaml:"machine_name"`
	WorkDir         string `yaml:"work_dir"`
	FSystem         string `yaml:"fsystem"`
	SmallFileSizeMB int    `yaml:"small_file_size_mb"`
}

// CodeSpec mirrors the code row, with the owning client referenced by label.
type CodeSpec struct {
	Label       string                `yaml:"label"`
	ClientLabel string                `yaml:"client_label"`
	Script      string                `yaml:"script"`
	UploadPaths map[string]*UploadRef `yaml:"upload_paths"`
}

// CalcJobSpec mirrors the calcjob row, with the code referenced by label.
type CalcJobSpec struct {
	Label         string                `yaml:"label"`
	CodeLabel     string                `yaml:"code_label"`
	UUID          string                `yaml:"uuid"`
	Parameters    map[string]any        `yaml:"parameters"`
	UploadPaths   map[string]*UploadRef `yaml:"upload_paths"`
	DownloadGlobs []string              `yaml:"download_globs"`
}

// UploadRef is the value of an upload_paths entry: a reference to an ingested
// object by label, a raw object-store key, or nil for "create a directory".
type UploadRef struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
}

// ParseDocument decodes an ingestion YAML document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.Errorf(domain.KindValidation, "invalid ingestion document: %v", err)
	}
	return &doc, nil
}

// SaveFromDocument loads a whole document into the store. Objects are pushed
// into the object store first so their keys are resolvable; the entity rows
// are written in a single transaction, so any failure rolls back the batch.
// It returns the pks added per section.
func (s *Storage) SaveFromDocument(ctx context.Context, doc *Document) (map[string][]int64, error) {
	labelToKey := map[string]string{}
	for label, spec := range doc.Objects {
		key, err := s.addObject(label, spec)
		if err != nil {
			return nil, err
		}
		labelToKey[label] = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	defer func() { s.tx = nil }()

	added, err := s.saveEntities(ctx, doc, labelToKey)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Storage) saveEntities(ctx context.Context, doc *Document, labelToKey map[string]string) (map[string][]int64, error) {
	added := map[string][]int64{}

	for idx, spec := range doc.Clients {
		client := domain.NewClient()
		if spec.Label != "" {
			client.Label = spec.Label
		}
		client.ClientURL = spec.ClientURL
		client.ClientID = spec.ClientID
		client.ClientSecret = spec.ClientSecret
		client.TokenURI = spec.TokenURI
		client.MachineName = spec.MachineName
		client.WorkDir = spec.WorkDir
		if spec.FSystem != "" {
			client.FSystem = spec.FSystem
		}
		if spec.SmallFileSizeMB != 0 {
			client.SmallFileSizeMB = spec.SmallFileSizeMB
		}
		if err := s.saveRowLocked(ctx, client); err != nil {
			return nil, domain.Errorf(domain.KindValidation, "clients[%d] item is invalid: %v", idx, err)
		}
		added["clients"] = append(added["clients"], client.Pk)
	}

	for idx, spec := range doc.Codes {
		if spec.ClientLabel == "" {
			return nil, domain.Errorf(domain.KindValidation, "codes[%d] item has no 'client_label' key", idx)
		}
		clientPk, ok, err := s.pkByLabel(ctx, "client", spec.ClientLabel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Errorf(domain.KindValidation,
				"codes[%d]['client_label'] = %q not found", idx, spec.ClientLabel)
		}
		paths, err := resolveUploadPaths(s.objects, spec.UploadPaths, labelToKey, fmt.Sprintf("codes[%d]", idx))
		if err != nil {
			return nil, err
		}
		code := domain.NewCode()
		if spec.Label != "" {
			code.Label = spec.Label
		}
		code.ClientPk = clientPk
		code.Script = spec.Script
		code.UploadPaths = paths
		if err := s.saveRowLocked(ctx, code); err != nil {
			return nil, domain.Errorf(domain.KindValidation, "codes[%d] item is invalid: %v", idx, err)
		}
		added["codes"] = append(added["codes"], code.Pk)
	}

	for idx, spec := range doc.CalcJobs {
		if spec.CodeLabel == "" {
			return nil, domain.Errorf(domain.KindValidation, "calcjobs[%d] item has no 'code_label' key", idx)
		}
		codePk, ok, err := s.pkByLabel(ctx, "code", spec.CodeLabel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Errorf(domain.KindValidation,
				"calcjobs[%d]['code_label'] = %q not found", idx, spec.CodeLabel)
		}
		paths, err := resolveUploadPaths(s.objects, spec.UploadPaths, labelToKey, fmt.Sprintf("calcjobs[%d]", idx))
		if err != nil {
			return nil, err
		}
		calc := domain.NewCalcJob()
		if spec.Label != "" {
			calc.Label = spec.Label
		}
		if spec.UUID != "" {
			calc.UUID = spec.UUID
		}
		calc.CodePk = codePk
		if spec.Parameters != nil {
			calc.Parameters = spec.Parameters
		}
		calc.UploadPaths = paths
		if spec.DownloadGlobs != nil {
			calc.DownloadGlobs = spec.DownloadGlobs
		}
		if err := s.saveRowLocked(ctx, calc); err != nil {
			return nil, domain.Errorf(domain.KindValidation, "calcjobs[%d] item is invalid: %v", idx, err)
		}
		added["calcjobs"] = append(added["calcjobs"], calc.Pk)
	}

	return added, nil
}

func (s *Storage) addObject(label string, spec ObjectSpec) (string, error) {
	switch {
	case spec.Content != nil:
		if spec.Encoding != "" && spec.Encoding != "utf8" && spec.Encoding != "utf-8" {
			return "", domain.Errorf(domain.KindValidation,
				"object %q has unsupported encoding %q", label, spec.Encoding)
		}
		return s.objects.AddFromBytes([]byte(*spec.Content))
	case spec.Path != nil:
		key, err := objectstore.AddFromPath(s.objects, *spec.Path)
		if err != nil {
			return "", domain.Errorf(domain.KindValidation,
				"object %q could not be read from %q: %v", label, *spec.Path, err)
		}
		return key, nil
	}
	return "", domain.Errorf(domain.KindValidation,
		"expected either 'content' or 'path' for object %q", label)
}

// resolveUploadPaths rewrites {label: X} references to object keys and
// validates {key: X} references against the store. Nil values pass through,
// meaning "create a directory".
func resolveUploadPaths(objects objectstore.Store, refs map[string]*UploadRef,
	labelToKey map[string]string, prefix string) (map[string]*string, error) {
	if refs == nil {
		return map[string]*string{}, nil
	}
	out := make(map[string]*string, len(refs))
	for rel, ref := range refs {
		if ref == nil {
			out[rel] = nil
			continue
		}
		var key string
		switch {
		case ref.Label != "":
			resolved, ok := labelToKey[ref.Label]
			if !ok {
				return nil, domain.Errorf(domain.KindValidation,
					"%s[upload_paths][%s]['label'] = %q not found", prefix, rel, ref.Label)
			}
			key = resolved
		case ref.Key != "":
			key = ref.Key
		default:
			return nil, domain.Errorf(domain.KindValidation,
				"expected either 'label' or 'key' for %s[upload_paths][%s]", prefix, rel)
		}
		ok, err := objects.Contains(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Errorf(domain.KindNotFound,
				"key %q not found in storage for %s[upload_paths][%s]", key, prefix, rel)
		}
		k := key
		out[rel] = &k
	}
	return out, nil
}
