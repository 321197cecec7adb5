package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alluse/engine/internal/database"
	"github.com/rs/zerolog"
)

const (
	archivePrefix = "alluse-backup-"
	archiveSuffix = ".tar.gz"
	stampLayout   = "2006-01-02-150405"

	// minBackupsKept backups survive rotation regardless of age.
	minBackupsKept = 3
)

// BackupMetadata rides inside every archive and describes its contents.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Format    string             `json:"format"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file in the archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored archive.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots the engine databases, packs them with checksummed
// metadata, and ships the archive to the object store. Snapshots use VACUUM
// INTO, so uploads never block writers.
type BackupService struct {
	store         ObjectStore
	databases     map[string]*database.DB
	stagingDir    string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates a backup service over the given databases.
// retentionDays of 0 keeps every archive.
func NewBackupService(store ObjectStore, databases map[string]*database.DB, dataDir string, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		databases:     databases,
		stagingDir:    filepath.Join(dataDir, "backup-staging"),
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

// Run uploads one archive and rotates old ones. Satisfies the scheduler's
// backup runner contract.
func (s *BackupService) Run(ctx context.Context) error {
	if err := s.CreateAndUpload(ctx); err != nil {
		return err
	}
	return s.RotateOld(ctx)
}

// CreateAndUpload snapshots every database into a staging directory, packs
// the snapshots and metadata into a tar.gz, and uploads it.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()

	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return fmt.Errorf("backup: create staging dir: %w", err)
	}
	defer os.RemoveAll(s.stagingDir)

	meta := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Format:    "1",
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(s.stagingDir, name+".db")
		if err := s.snapshotDatabase(ctx, s.databases[name], path); err != nil {
			return fmt.Errorf("backup: snapshot %s: %w", name, err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("backup: stat snapshot %s: %w", name, err)
		}
		sum, err := checksumFile(path)
		if err != nil {
			return fmt.Errorf("backup: checksum %s: %w", name, err)
		}
		meta.Databases = append(meta.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
	}

	metaPath := filepath.Join(s.stagingDir, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("backup: write metadata: %w", err)
	}

	key := archivePrefix + meta.Timestamp.Format(stampLayout) + archiveSuffix
	archivePath := filepath.Join(s.stagingDir, key)
	if err := packArchive(archivePath, s.stagingDir); err != nil {
		return fmt.Errorf("backup: pack archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer f.Close()

	if err := s.store.Upload(ctx, key, f); err != nil {
		return err
	}

	info, _ := os.Stat(archivePath)
	var sizeKB int64
	if info != nil {
		sizeKB = info.Size() / 1024
	}
	s.log.Info().
		Str("archive", key).
		Int64("size_kb", sizeKB).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup uploaded")
	return nil
}

// snapshotDatabase writes a point-in-time copy via VACUUM INTO. The copy is
// a consistent standalone database regardless of concurrent writers.
func (s *BackupService) snapshotDatabase(ctx context.Context, db *database.DB, path string) error {
	// Stale snapshot from an interrupted run blocks VACUUM INTO.
	_ = os.Remove(path)

	quoted := strings.ReplaceAll(path, "'", "''")
	_, err := db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted))
	return err
}

// ListBackups returns stored archives, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), archiveSuffix)
		ts, err := time.Parse(stampLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Unrecognized archive name, skipping")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOld deletes archives older than the retention period, always keeping
// the newest few.
func (s *BackupService) RotateOld(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept || s.retentionDays == 0 {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Old backups rotated")
	}
	return nil
}

// VerifyLatest downloads the newest archive, restores it to a scratch
// directory, and integrity-checks every database inside. With no archives
// stored it reports nothing to verify and succeeds.
func (s *BackupService) VerifyLatest(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		s.log.Info().Msg("No backups stored yet, nothing to verify")
		return nil
	}
	latest := backups[0]

	body, err := s.store.Get(ctx, latest.Key)
	if err != nil {
		return err
	}
	defer body.Close()

	scratch, err := os.MkdirTemp("", "backup-verify-*")
	if err != nil {
		return fmt.Errorf("backup: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	files, err := unpackArchive(body, scratch)
	if err != nil {
		return fmt.Errorf("backup: unpack %s: %w", latest.Key, err)
	}

	meta, err := readMetadata(filepath.Join(scratch, "backup-metadata.json"))
	if err != nil {
		return fmt.Errorf("backup: metadata in %s: %w", latest.Key, err)
	}

	for _, dbMeta := range meta.Databases {
		path := filepath.Join(scratch, dbMeta.Filename)
		if !files[dbMeta.Filename] {
			return fmt.Errorf("backup: %s missing from %s", dbMeta.Filename, latest.Key)
		}
		sum, err := checksumFile(path)
		if err != nil {
			return err
		}
		if sum != dbMeta.Checksum {
			return fmt.Errorf("backup: checksum mismatch for %s in %s", dbMeta.Filename, latest.Key)
		}
		if err := integrityCheck(path); err != nil {
			return fmt.Errorf("backup: %s in %s: %w", dbMeta.Filename, latest.Key, err)
		}
	}

	s.log.Info().Str("archive", latest.Key).Int("databases", len(meta.Databases)).Msg("Latest backup verified")
	return nil
}

// integrityCheck opens a restored snapshot read-only and runs the full
// SQLite consistency probe.
func integrityCheck(path string) error {
	db, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "restore"})
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.Conn().QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned %q", result)
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func readMetadata(path string) (BackupMetadata, error) {
	var meta BackupMetadata
	f, err := os.Open(path)
	if err != nil {
		return meta, err
	}
	defer f.Close()
	err = json.NewDecoder(f).Decode(&meta)
	return meta, err
}

// packArchive writes every .db and .json file in dir into a tar.gz at
// archivePath. The archive itself lives in dir and is excluded.
func packArchive(archivePath, dir string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".db") || strings.HasSuffix(name, ".json")) {
			continue
		}
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// unpackArchive extracts a tar.gz stream into dir, flattening paths to base
// names. Returns the set of extracted file names.
func unpackArchive(r io.Reader, dir string) (map[string]bool, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	files := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(header.Name)
		out, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, err
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		files[name] = true
	}
	return files, nil
}
