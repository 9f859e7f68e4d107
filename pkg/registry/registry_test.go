package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/ledger"
)

const (
	libDir    = "/lib"
	storePath = "/state/registry.json"
	project   = "/work/codec"
)

func newTestRegistry(t *testing.T, fs afero.Fs, store Store) *Registry {
	t.Helper()
	if store == nil {
		store = NewFileStore(fs, storePath)
	}
	r, err := New(context.Background(), Config{Store: store, FS: fs, Dir: libDir})
	require.NoError(t, err)
	return r
}

func localEntry(key string, attempt int) LibraryEntry {
	return LibraryEntry{Key: key, Provenance: FromLedger(project, attempt), IsDevelopment: true}
}

func TestInstallReplacesSameKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	ctx := context.Background()

	_, err := r.Install(ctx, localEntry("codec.wasm", 1), bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	second, err := r.Install(ctx, localEntry("codec.wasm", 2), bytes.NewReader([]byte("v2")))
	require.NoError(t, err)

	list := r.ListInstalled()
	require.Len(t, list, 1)
	assert.Equal(t, second, list[0])
	assert.Equal(t, 2, list[0].Provenance.LocalBuild.AttemptID)

	data, err := afero.ReadFile(fs, "/lib/codec.wasm")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	infos, err := afero.ReadDir(fs, libDir)
	require.NoError(t, err)
	assert.Len(t, infos, 1, "staging files must not remain")
}

func TestInstallRejectsInvalidEntries(t *testing.T) {
	r := newTestRegistry(t, afero.NewMemMapFs(), nil)
	ctx := context.Background()

	for _, key := range []string{"", ".hidden", "../x.wasm", "a/b.wasm"} {
		_, err := r.Install(ctx, localEntry(key, 1), bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}

	_, err := r.Install(ctx, LibraryEntry{Key: "x.wasm", Provenance: Provenance{Kind: KindRemoteCI}}, bytes.NewReader(nil))
	assert.Error(t, err)
	assert.Empty(t, r.ListInstalled())
}

func TestUninstall(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	ctx := context.Background()

	require.NoError(t, r.Uninstall(ctx, "missing.wasm"))

	e, err := r.Install(ctx, localEntry("codec.wasm", 1), bytes.NewReader([]byte("bin")))
	require.NoError(t, err)
	require.NoError(t, r.Uninstall(ctx, "codec.wasm"))

	_, ok := r.Get("codec.wasm")
	assert.False(t, ok)
	_, err = fs.Stat(e.Path)
	assert.True(t, os.IsNotExist(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk full") }

func TestInstallStagingFailureLeavesRegistryUnchanged(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	ctx := context.Background()

	before, err := r.Install(ctx, localEntry("codec.wasm", 1), bytes.NewReader([]byte("v1")))
	require.NoError(t, err)

	_, err = r.Install(ctx, localEntry("codec.wasm", 2), failingReader{})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)
	assert.Equal(t, "codec.wasm", conflict.Key)

	got, ok := r.Get("codec.wasm")
	require.True(t, ok)
	assert.Equal(t, before, got)

	data, err := afero.ReadFile(fs, "/lib/codec.wasm")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) Put(context.Context, LibraryEntry) error { return s.err }

func TestInstallPersistFailureLeavesRegistryUnchanged(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := failingStore{Store: NewFileStore(fs, storePath), err: errors.New("database unavailable")}
	r := newTestRegistry(t, fs, store)

	_, err := r.Install(context.Background(), localEntry("codec.wasm", 1), bytes.NewReader([]byte("bin")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Empty(t, r.ListInstalled())

	infos, err := afero.ReadDir(fs, libDir)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestIsInstalledPredicates(t *testing.T) {
	r := newTestRegistry(t, afero.NewMemMapFs(), nil)
	ctx := context.Background()

	_, err := r.Install(ctx, localEntry("codec.wasm", 3), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	_, err = r.Install(ctx, LibraryEntry{Key: "remote.wasm", Provenance: FromCI("bevara", "codecs", 77)}, bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	assert.True(t, r.IsInstalled(FromLocalBuild(project, 3)))
	assert.True(t, r.IsInstalled(FromLocalBuild(project+"/", 3)))
	assert.False(t, r.IsInstalled(FromLocalBuild(project, 4)))
	assert.True(t, r.IsInstalled(FromProject(project)))
	assert.True(t, r.IsInstalled(FromRemoteRun("bevara", "codecs", 77)))
	assert.False(t, r.IsInstalled(FromRemoteRun("bevara", "codecs", 78)))
}

func TestSubscribeReceivesChanges(t *testing.T) {
	r := newTestRegistry(t, afero.NewMemMapFs(), nil)
	ctx := context.Background()

	var changes []Change
	cancel := r.Subscribe(func(c Change) { changes = append(changes, c) })

	_, err := r.Install(ctx, localEntry("codec.wasm", 1), bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	require.NoError(t, r.Uninstall(ctx, "codec.wasm"))

	cancel()
	_, err = r.Install(ctx, localEntry("other.wasm", 1), bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, OpInstall, changes[0].Op)
	assert.Equal(t, OpUninstall, changes[1].Op)
	assert.Equal(t, "codec.wasm", changes[1].Entry.Key)
}

func TestRegistryReloadsFromFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	entry := localEntry("codec.wasm", 1)
	entry.Description = []byte(`{"name":"codec"}`)
	_, err := r.Install(context.Background(), entry, bytes.NewReader([]byte("a")))
	require.NoError(t, err)

	reloaded := newTestRegistry(t, fs, nil)
	got, ok := reloaded.Get("codec.wasm")
	require.True(t, ok)
	assert.Equal(t, KindLocalBuild, got.Provenance.Kind)
	assert.JSONEq(t, `{"name":"codec"}`, string(got.Description))
	assert.Equal(t, "/lib/codec.wasm", got.Path)
}

func TestConcurrentInstallsKeepEveryEntry(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("lib%02d.wasm", i)
			_, err := r.Install(ctx, localEntry(key, i+1), bytes.NewReader([]byte(key)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, r.ListInstalled(), n)

	persisted, err := NewFileStore(fs, storePath).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, n)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("lib%02d.wasm", i)
		data, err := afero.ReadFile(fs, libDir+"/"+key)
		require.NoError(t, err)
		assert.Equal(t, key, string(data))
	}
}

func TestConcurrentInstallsOfSameKeyLeaveOneEntry(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := newTestRegistry(t, fs, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Install(ctx, localEntry("codec.wasm", i+1), bytes.NewReader([]byte(fmt.Sprint(i+1))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list := r.ListInstalled()
	require.Len(t, list, 1)

	persisted, err := NewFileStore(fs, storePath).Load(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, list[0].Provenance, persisted["codec.wasm"].Provenance)

	// The binary on disk belongs to the entry that won.
	data, err := afero.ReadFile(fs, "/lib/codec.wasm")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(list[0].Provenance.LocalBuild.AttemptID), string(data))

	infos, err := afero.ReadDir(fs, libDir)
	require.NoError(t, err)
	assert.Len(t, infos, 1, "staged files left behind")
}

func TestInstallFromLedger(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := ledger.New(ledger.Config{FS: fs})
	ctx := context.Background()

	a, err := l.NewAttempt(ctx, project)
	require.NoError(t, err)
	require.NoError(t, a.RecordStep(1, "link"))
	require.NoError(t, a.RecordArtifact(ledger.ArtifactRecord{Name: "codec.wasm", Data: []byte("\x00asm"), Trusted: true}))
	require.NoError(t, a.RecordArtifact(ledger.ArtifactRecord{Name: "codec.json", Data: []byte(`{"mime":"image/x"}`), Trusted: true}))
	require.NoError(t, a.RecordArtifact(ledger.ArtifactRecord{Name: "bad.wasm", Data: []byte("x"), Expected: "aa", Actual: "bb"}))
	require.NoError(t, a.Finalize(0))

	r := newTestRegistry(t, fs, nil)
	installed, err := r.InstallFromLedger(ctx, l, project, a.ID())
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "codec.wasm", installed[0].Key)
	assert.True(t, installed[0].IsDevelopment)
	assert.JSONEq(t, `{"mime":"image/x"}`, string(installed[0].Description))
	assert.True(t, r.IsInstalled(FromLocalBuild(project, a.ID())))

	f, err := r.Open("codec.wasm")
	require.NoError(t, err)
	data, _ := io.ReadAll(f)
	f.Close()
	assert.Equal(t, "\x00asm", string(data))
}

func TestInstallFromLedgerReadsFilterDescriptionFromSources(t *testing.T) {
	fs := afero.NewMemMapFs()
	lists := "add_filter(jpeg2000 src/j2k.c FILTER_TYPE decoder MIME image/jp2 EXT 1.2.0)\n"
	require.NoError(t, afero.WriteFile(fs, project+"/CMakeLists.txt", []byte(lists), 0o644))
	require.NoError(t, afero.WriteFile(fs, project+"/jpeg2000.json", []byte(`{"mime":"image/jp2"}`), 0o644))

	l := ledger.New(ledger.Config{FS: fs})
	ctx := context.Background()
	a, err := l.NewAttempt(ctx, project)
	require.NoError(t, err)
	require.NoError(t, a.RecordStep(1, "link"))
	require.NoError(t, a.RecordArtifact(ledger.ArtifactRecord{Name: "jpeg2000_1.2.0.wasm", Data: []byte("\x00asm"), Trusted: true}))
	require.NoError(t, a.RecordArtifact(ledger.ArtifactRecord{Name: "helper.wasm", Data: []byte("\x00asm"), Trusted: true}))
	require.NoError(t, a.Finalize(0))

	r := newTestRegistry(t, fs, nil)
	installed, err := r.InstallFromLedger(ctx, l, project, a.ID())
	require.NoError(t, err)
	require.Len(t, installed, 2)

	helper, ok := r.Get("helper.wasm")
	require.True(t, ok)
	assert.Nil(t, helper.Description)

	filter, ok := r.Get("jpeg2000_1.2.0.wasm")
	require.True(t, ok)
	assert.JSONEq(t, `{"mime":"image/jp2"}`, string(filter.Description))
}

func TestInstallFromLedgerRequiresSuccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := ledger.New(ledger.Config{FS: fs})
	ctx := context.Background()

	a, err := l.NewAttempt(ctx, project)
	require.NoError(t, err)
	require.NoError(t, a.Finalize(2))

	r := newTestRegistry(t, fs, nil)
	_, err = r.InstallFromLedger(ctx, l, project, a.ID())
	assert.ErrorIs(t, err, ErrAttemptNotSuccessful)
}

type fakeArtifacts struct {
	artifacts []ci.Artifact
	archive   []byte
}

func (f fakeArtifacts) ListArtifacts(context.Context, ci.Repo, int64) ([]ci.Artifact, error) {
	return f.artifacts, nil
}

func (f fakeArtifacts) DownloadArtifact(context.Context, ci.Repo, int64) ([]byte, error) {
	return f.archive, nil
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInstallFromCI(t *testing.T) {
	r := newTestRegistry(t, afero.NewMemMapFs(), nil)
	repo := ci.Repo{Owner: "bevara", Name: "codecs"}
	src := fakeArtifacts{
		artifacts: []ci.Artifact{{ID: 5, Name: "libs"}},
		archive: zipOf(t, map[string]string{
			"build/j2k.wasm": "wasm",
			"build/j2k.json": `{"name":"j2k"}`,
			"README.md":      "docs",
		}),
	}

	installed, err := r.InstallFromCI(context.Background(), src, repo, 42)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "j2k.wasm", installed[0].Key)
	assert.JSONEq(t, `{"name":"j2k"}`, string(installed[0].Description))
	assert.True(t, r.IsInstalled(FromRemoteRun("bevara", "codecs", 42)))
}

func TestInstallFromCIRequiresSingleArtifact(t *testing.T) {
	r := newTestRegistry(t, afero.NewMemMapFs(), nil)
	src := fakeArtifacts{artifacts: []ci.Artifact{{ID: 1}, {ID: 2}}}

	_, err := r.InstallFromCI(context.Background(), src, ci.Repo{Owner: "o", Name: "r"}, 1)
	assert.Error(t, err)
	assert.Empty(t, r.ListInstalled())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("BEVARA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BEVARA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("BEVARA_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BEVARA_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	entry := localEntry("store-test.wasm", 9)
	require.NoError(t, s.Put(ctx, entry))

	m, err := s.Load(ctx)
	require.NoError(t, err)
	got, ok := m[entry.Key]
	require.True(t, ok)
	assert.Equal(t, entry.Provenance, got.Provenance)

	require.NoError(t, s.Delete(ctx, entry.Key))
	m, err = s.Load(ctx)
	require.NoError(t, err)
	_, ok = m[entry.Key]
	assert.False(t, ok)
}
