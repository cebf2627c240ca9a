package definition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"promptchain/internal/fsutil"
	"promptchain/internal/logging"
)

const fileSuffix = ".workflow.yaml"

var definitionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DirectoryRepository stores one <id>.workflow.yaml file per workflow.
type DirectoryRepository struct {
	dir    string
	logger *logging.Logger
}

func NewDirectoryRepository(dir string, logger *logging.Logger) *DirectoryRepository {
	return &DirectoryRepository{
		dir:    strings.TrimSpace(dir),
		logger: logger,
	}
}

func (repo *DirectoryRepository) Path() string {
	if repo == nil {
		return ""
	}
	return repo.dir
}

// List returns the ids of the definitions on disk, sorted. A missing
// directory lists nothing.
func (repo *DirectoryRepository) List() ([]string, error) {
	if err := repo.check(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and decodes the definition with the given id. An invalid file
// is logged and reported as ErrInvalidDefinition.
func (repo *DirectoryRepository) Load(id string) (Document, error) {
	path, err := repo.filePath(id)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Document{}, err
	}
	doc, err := Decode(data)
	if err != nil {
		repo.logWarn("workflow definition invalid", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return Document{}, err
	}
	return doc, nil
}

// LoadOrDefault falls back to the built-in reply workflow when id names it
// and no file overrides it.
func (repo *DirectoryRepository) LoadOrDefault(id string) (Document, error) {
	doc, err := repo.Load(id)
	if errors.Is(err, ErrNotFound) && strings.TrimSpace(id) == DefaultWorkflowID {
		return DefaultReply(), nil
	}
	return doc, err
}

// Save validates doc and writes it under its workflow id.
func (repo *DirectoryRepository) Save(doc Document) error {
	if doc.Version == 0 {
		doc.Version = CurrentVersion
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	path, err := repo.filePath(doc.Workflow.ID)
	if err != nil {
		return err
	}
	payload, err := Encode(doc)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, payload, 0o644)
}

func (repo *DirectoryRepository) filePath(id string) (string, error) {
	if err := repo.check(); err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if !definitionID.MatchString(id) {
		return "", fmt.Errorf("%w: invalid workflow id %q", ErrInvalidDefinition, id)
	}
	return filepath.Join(repo.dir, id+fileSuffix), nil
}

func (repo *DirectoryRepository) check() error {
	if repo == nil {
		return errors.New("definition repository unavailable")
	}
	if repo.dir == "" {
		return errors.New("definition repository path required")
	}
	return nil
}

func (repo *DirectoryRepository) logWarn(message string, fields map[string]string) {
	if repo == nil || repo.logger == nil {
		return
	}
	repo.logger.Warn(message, fields)
}
