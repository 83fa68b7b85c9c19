package cmd

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/dhcgn/eml-to-mbox/config"
	"github.com/dhcgn/eml-to-mbox/eml"
)

func startIMAP(t *testing.T) int {
	t.Helper()
	mem := imapmemserver.New()
	user := imapmemserver.NewUser("alice", "secret")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatal(err)
	}
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imapv2.CapSet{imapv2.CapIMAP4rev1: {}, imapv2.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "letters")
	files := map[string]string{
		"a.eml":     "From: alice@example.com\r\nDate: Mon, 2 Jan 2006 15:04:05 -0800\r\nSubject: minutes\r\n\r\nFrom the top\r\n",
		"sub/b.eml": "From: bob@example.com\r\nDate: Sat, 9 Mar 2024 10:11:12 +0000\r\nSubject: lunch\r\n\r\nhi\r\n",
	}
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestPush(t *testing.T) {
	port := startIMAP(t)
	cfg := config.PushConfig{
		Root:         writeTree(t),
		Charset:      eml.DefaultCharset,
		IMAPHost:     "127.0.0.1",
		IMAPPort:     port,
		IMAPUser:     "alice",
		IMAPPass:     "secret",
		Security:     "none",
		StateDir:     t.TempDir(),
		LogLevel:     "error",
		NoProgress:   true,
		FolderPrefix: "Archive",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	summary, err := Push(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if summary.Scanned != 2 || summary.Converted != 2 || summary.Uploaded != 2 || summary.Errors != 0 {
		t.Errorf("first push summary = %+v", summary)
	}

	summary, err = Push(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("second Push() error = %v", err)
	}
	if summary.Uploaded != 0 || summary.Duplicates != 2 {
		t.Errorf("second push summary = %+v", summary)
	}

	client, err := imapclient.DialInsecure(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.Login("alice", "secret").Wait(); err != nil {
		t.Fatal(err)
	}
	for _, folder := range []string{"Archive/letters", "Archive/sub"} {
		data, err := client.Select(folder, nil).Wait()
		if err != nil {
			t.Fatalf("Select(%s) error = %v", folder, err)
		}
		if data.NumMessages != 1 {
			t.Errorf("%s holds %d messages, want 1", folder, data.NumMessages)
		}
	}
}

func TestPushDryRunLeavesServerAlone(t *testing.T) {
	cfg := config.PushConfig{
		Root:       writeTree(t),
		Charset:    eml.DefaultCharset,
		IMAPHost:   "127.0.0.1",
		IMAPPort:   1,
		IMAPUser:   "alice",
		Security:   "none",
		StateDir:   t.TempDir(),
		DryRun:     true,
		LogLevel:   "error",
		NoProgress: true,
	}
	summary, err := Push(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if summary.DryRunUploaded != 2 || summary.Uploaded != 0 {
		t.Errorf("summary = %+v", summary)
	}
}
