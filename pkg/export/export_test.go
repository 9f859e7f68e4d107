package export

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/bevara/compiler/pkg/registry"
)

func newLibrary(t *testing.T) *registry.Registry {
	t.Helper()
	fs := afero.NewMemMapFs()
	reg, err := registry.New(context.Background(), registry.Config{
		Store: registry.NewFileStore(fs, "/state/registry.json"),
		FS:    fs,
		Dir:   "/lib",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	ctx := context.Background()
	codec := registry.LibraryEntry{
		Key:           "codec.wasm",
		Provenance:    registry.FromLedger("/work/codec", 4),
		IsDevelopment: true,
		Description:   json.RawMessage(`{"name":"codec"}`),
	}
	if _, err := reg.Install(ctx, codec, bytes.NewReader([]byte("codec-bin"))); err != nil {
		t.Fatalf("install: %v", err)
	}
	other := registry.LibraryEntry{Key: "other.wasm", Provenance: registry.FromCI("bevara", "codecs", 9)}
	if _, err := reg.Install(ctx, other, bytes.NewReader([]byte("other-bin"))); err != nil {
		t.Fatalf("install: %v", err)
	}
	return reg
}

func TestWriteBundle(t *testing.T) {
	reg := newLibrary(t)

	var buf bytes.Buffer
	n, err := WriteBundle(context.Background(), &buf, reg)
	if err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d libraries, want 2", n)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	got := map[string]string{}
	var names []string
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		names = append(names, f.Name)
		got[f.Name] = string(data)
	}

	want := []string{"codec.json", "codec.wasm", ManifestName, "other.wasm"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}
	if got["codec.wasm"] != "codec-bin" || got["codec.json"] != `{"name":"codec"}` {
		t.Fatalf("unexpected contents: %v", got)
	}

	var manifest []ManifestEntry
	if err := json.Unmarshal([]byte(got[ManifestName]), &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(manifest) != 2 || manifest[0].Description != "codec.json" || manifest[1].Provenance.Kind != registry.KindRemoteCI {
		t.Fatalf("manifest = %+v", manifest)
	}
}

func TestWriteBundleFile(t *testing.T) {
	reg := newLibrary(t)
	fs := afero.NewMemMapFs()

	if _, err := WriteBundleFile(context.Background(), fs, "/out/libs.zip", reg); err != nil {
		t.Fatalf("write bundle file: %v", err)
	}
	infos, err := afero.ReadDir(fs, "/out")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "libs.zip" {
		t.Fatalf("out dir = %v", infos)
	}
}

type brokenLibrary struct{ *registry.Registry }

func (brokenLibrary) Open(string) (afero.File, error) { return nil, errors.New("gone") }

func TestWriteBundleFileLeavesNothingOnFailure(t *testing.T) {
	reg := newLibrary(t)
	fs := afero.NewMemMapFs()

	if _, err := WriteBundleFile(context.Background(), fs, "/out/libs.zip", brokenLibrary{reg}); err == nil {
		t.Fatalf("expected error")
	}
	infos, _ := afero.ReadDir(fs, "/out")
	if len(infos) != 0 {
		t.Fatalf("out dir not empty: %v", infos)
	}
}

func TestNewSFTPUploaderValidates(t *testing.T) {
	if _, err := NewSFTPUploader(SFTPConfig{User: "u"}); err == nil {
		t.Fatalf("missing address accepted")
	}
	if _, err := NewSFTPUploader(SFTPConfig{Addr: "host"}); err == nil {
		t.Fatalf("missing user accepted")
	}
	u, err := NewSFTPUploader(SFTPConfig{Addr: "host", User: "u"})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if u.cfg.Addr != "host:22" || u.cfg.RemoteDir != "." {
		t.Fatalf("defaults not applied: %+v", u.cfg)
	}
}

func startSFTPServer(t *testing.T, user, password string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSFTP(conn, cfg)
		}
	}()
	return ln.Addr().String()
}

func serveSFTP(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		server, err := sftp.NewServer(ch)
		if err != nil {
			ch.Close()
			return
		}
		server.Serve()
		server.Close()
	}
}

func TestSFTPUploaderExport(t *testing.T) {
	addr := startSFTPServer(t, "bevara", "secret")
	remote := filepath.Join(t.TempDir(), "libs")

	u, err := NewSFTPUploader(SFTPConfig{Addr: addr, User: "bevara", Password: "secret", RemoteDir: remote})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	n, err := u.Export(context.Background(), newLibrary(t))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d libraries, want 2", n)
	}

	data, err := os.ReadFile(filepath.Join(remote, "other.wasm"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "other-bin" {
		t.Fatalf("uploaded %q", data)
	}
	if _, err := os.Stat(filepath.Join(remote, ManifestName)); err != nil {
		t.Fatalf("manifest not uploaded: %v", err)
	}
}

func TestSFTPUploaderRejectsBadPassword(t *testing.T) {
	addr := startSFTPServer(t, "bevara", "secret")

	u, err := NewSFTPUploader(SFTPConfig{Addr: addr, User: "bevara", Password: "wrong", RemoteDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	if err := u.Push(context.Background(), map[string][]byte{"a": []byte("b")}); err == nil {
		t.Fatalf("expected authentication failure")
	}
}
