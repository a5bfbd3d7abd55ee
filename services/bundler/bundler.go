package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"sifter/pkg/inventory"
	gos3 "sifter/pkg/s3"
)

const (
	manifestFileName  = "manifest.yaml"
	inventoryFileName = "inventory.jsonl"

	maxManifestSize   = 1 << 20
	defaultPresignTTL = 15 * time.Minute
)

// Build merges the configured inventories into one sorted inventory, signs a
// manifest describing it and writes both into a tar.zst archive at Output.
// Records are keyed on path; a later inventory wins over an earlier one.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if len(cfg.Inventories) == 0 {
		return nil, errors.New("at least one inventory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	records := make(map[string]inventory.Record)
	sources := make([]ManifestSource, 0, len(cfg.Inventories))
	for _, path := range cfg.Inventories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats, err := inventory.DecodeFile(path, func(r inventory.Record) error {
			records[r.Path] = r
			return nil
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("read inventory %q: %w", path, err)
		}
		sources = append(sources, ManifestSource{
			Name:      filepath.Base(path),
			Records:   stats.Records,
			Corrupt:   stats.Corrupt,
			Truncated: stats.Truncated,
		})
	}
	if len(records) == 0 {
		return nil, errors.New("no records found to bundle")
	}

	body, algorithms, err := encodeInventory(records)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Sources:   sources,
		Inventory: ManifestInventory{
			Path:       inventoryFileName,
			Records:    len(records),
			Size:       int64(len(body)),
			SHA256:     hex.EncodeToString(sum[:]),
			Algorithms: algorithms,
		},
	}

	if err := cfg.Signer.SignManifest(manifest); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, body, manifest.CreatedAt); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d records from %d inventories)\n", cfg.Output, len(records), len(sources))
	return manifest, nil
}

// encodeInventory renders records sorted by path, one JSON object per line.
func encodeInventory(records map[string]inventory.Record) ([]byte, []string, error) {
	paths := make([]string, 0, len(records))
	seen := make(map[string]struct{})
	for path, r := range records {
		paths = append(paths, path)
		algorithm := r.Algorithm
		if algorithm == "" {
			algorithm = inventory.AlgorithmSHA256
		}
		seen[algorithm] = struct{}{}
	}
	sort.Strings(paths)

	var (
		buf []byte
		err error
	)
	for _, path := range paths {
		buf, err = inventory.AppendLine(buf, records[path])
		if err != nil {
			return nil, nil, err
		}
	}

	algorithms := make([]string, 0, len(seen))
	for a := range seen {
		algorithms = append(algorithms, a)
	}
	slices.Sort(algorithms)
	return buf, algorithms, nil
}

func writeBundle(output string, manifest, body []byte, modTime time.Time) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	tmp := output + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer os.Remove(tmp)

	if err := writeArchive(file, manifest, body, modTime); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("rename output file: %w", err)
	}
	return nil
}

func writeArchive(w io.Writer, manifest, body []byte, modTime time.Time) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, entry := range []struct {
		name string
		data []byte
	}{
		{name: manifestFileName, data: manifest},
		{name: inventoryFileName, data: body},
	} {
		header := &tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			encoder.Close()
			return fmt.Errorf("write %s header: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			encoder.Close()
			return fmt.Errorf("write %s body: %w", entry.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Imported describes where an imported inventory ended up.
type Imported struct {
	Manifest *Manifest
	Path     string
	URL      string
}

// Import verifies a bundle's signature and inventory checksum, then extracts
// the inventory to OutputDir and/or uploads it to S3URL.
func Import(ctx context.Context, cfg ImportConfig) (*Imported, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.OutputDir == "" && cfg.S3URL == "" {
		return nil, errors.New("an output directory or s3 url is required")
	}
	if cfg.S3URL != "" && cfg.S3 == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "sifter-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, extracted, err := extract(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}

	manifest, err := verifyManifest(manifestBytes, cfg.Signer)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	if extracted == "" {
		return nil, fmt.Errorf("bundle missing %s", inventoryFileName)
	}
	if err := validateInventory(extracted, manifest.Inventory); err != nil {
		return nil, err
	}

	imported := &Imported{Manifest: manifest}

	if cfg.OutputDir != "" {
		target, err := install(extracted, cfg.OutputDir)
		if err != nil {
			return nil, err
		}
		imported.Path = target
		fmt.Fprintf(cfg.Stdout, "extracted %s (%d records)\n", target, manifest.Inventory.Records)
	}

	if cfg.S3URL != "" {
		url, err := upload(ctx, cfg, extracted, manifest.Inventory)
		if err != nil {
			return nil, err
		}
		imported.URL = url
		fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes)\n", cfg.S3URL, manifest.Inventory.Size)
		fmt.Fprintln(cfg.Stdout, url)
	}

	return imported, nil
}

// extract reads the manifest into memory and writes the inventory into dir.
// Any other archive entry is ignored.
func extract(ctx context.Context, bundlePath, dir string) ([]byte, string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, "", fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, "", fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		extracted     string
	)

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		switch filepath.Clean(header.Name) {
		case manifestFileName:
			data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize+1))
			if err != nil {
				return nil, "", fmt.Errorf("read manifest: %w", err)
			}
			if len(data) > maxManifestSize {
				return nil, "", errors.New("manifest exceeds size limit")
			}
			manifestBytes = data
		case inventoryFileName:
			extracted = filepath.Join(dir, inventoryFileName)
			file, err := os.Create(extracted)
			if err != nil {
				return nil, "", fmt.Errorf("create temp file: %w", err)
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return nil, "", fmt.Errorf("write temp file: %w", err)
			}
			if err := file.Close(); err != nil {
				return nil, "", fmt.Errorf("close temp file: %w", err)
			}
		}
	}

	if len(manifestBytes) == 0 {
		return nil, "", fmt.Errorf("bundle missing %s", manifestFileName)
	}
	return manifestBytes, extracted, nil
}

func verifyManifest(data []byte, signer *Signer) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if err := signer.VerifyManifest(manifest); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func validateInventory(path string, want ManifestInventory) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", inventoryFileName, err)
	}
	defer file.Close()

	hash := sha256.New()
	stats, err := inventory.Decode(io.TeeReader(file, hash), func(inventory.Record) error { return nil }, nil)
	if err != nil {
		return fmt.Errorf("decode %s: %w", inventoryFileName, err)
	}
	// The decoder may stop before EOF on array input.
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("hash %s: %w", inventoryFileName, err)
	}
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", inventoryFileName, err)
	}

	if size := info.Size(); size != want.Size {
		return fmt.Errorf("size mismatch for %s: expected %d got %d", inventoryFileName, want.Size, size)
	}
	if computed := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(computed, want.SHA256) {
		return fmt.Errorf("sha256 mismatch for %s", inventoryFileName)
	}
	if stats.Records != want.Records || stats.Corrupt != 0 || stats.Truncated {
		return fmt.Errorf("%s holds %d valid records (%d corrupt), manifest lists %d", inventoryFileName, stats.Records, stats.Corrupt, want.Records)
	}
	return nil
}

// install copies the verified inventory into dir and renames it into place.
func install(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	target := filepath.Join(dir, inventoryFileName)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", inventoryFileName, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "."+inventoryFileName+"-*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	defer os.Remove(out.Name())

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy %s: %w", target, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("sync %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Rename(out.Name(), target); err != nil {
		return "", fmt.Errorf("rename %s: %w", target, err)
	}
	return target, nil
}

func upload(ctx context.Context, cfg ImportConfig, path string, inv ManifestInventory) (string, error) {
	bucket, key, err := gos3.ParseURL(cfg.S3URL)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for upload: %w", inventoryFileName, err)
	}
	defer file.Close()

	if err := cfg.S3.PutObject(ctx, bucket, key, file, inv.Size, inv.SHA256); err != nil {
		return "", fmt.Errorf("upload %s: %w", inventoryFileName, err)
	}

	url, err := cfg.S3.PresignGet(ctx, bucket, key, cfg.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", cfg.S3URL, err)
	}
	return url, nil
}
