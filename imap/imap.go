// Package imap stores converted messages in IMAP folders that mirror the
// source tree, one folder per directory.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/eml-to-mbox/model"
)

// Security selects how the connection is protected.
type Security int

const (
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityNone
)

// ParseSecurity maps "tls", "starttls" or "none" to a Security.
func ParseSecurity(name string) (Security, error) {
	switch strings.ToLower(name) {
	case "", "tls":
		return SecurityTLS, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "none", "plain":
		return SecurityNone, nil
	}
	return 0, fmt.Errorf("unknown imap security %q", name)
}

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           Security
	InsecureSkipVerify bool
	// Prefix is prepended to every folder name; empty puts the folders at
	// the top level.
	Prefix string
}

// Uploader appends messages over one lazily opened connection. It is used
// from a single goroutine.
type Uploader struct {
	opts   Options
	logger *slog.Logger

	client *imapclient.Client
	// aborted is set when a cancelled upload tore the connection down.
	aborted bool
	delim   rune
	folders map[string]bool
}

func NewUploader(opts Options, logger *slog.Logger) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{opts: opts, logger: logger, delim: '/', folders: make(map[string]bool)}, nil
}

// Upload appends msg to its folder, creating the folder on first use.
func (u *Uploader) Upload(ctx context.Context, msg model.Message) error {
	if u.client == nil {
		if err := u.connect(); err != nil {
			return err
		}
	}
	client := u.client
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer func() {
		if !stop() {
			u.aborted = true
		}
	}()

	mailbox := Mailbox(u.opts.Prefix, msg.Folder, u.delim)
	if !u.folders[mailbox] {
		if err := u.create(mailbox); err != nil {
			return err
		}
		u.folders[mailbox] = true
	}
	return u.append(mailbox, msg)
}

// Close logs out when a connection was opened.
func (u *Uploader) Close() error {
	if u.client == nil || u.aborted {
		u.client = nil
		return nil
	}
	if err := u.client.Logout().Wait(); err != nil {
		u.logger.Debug("imap logout failed", "err", err)
	}
	err := u.client.Close()
	u.client = nil
	return err
}

// Mailbox joins prefix and the slash-separated folder with the server's
// hierarchy delimiter.
func Mailbox(prefix, folder string, delim rune) string {
	name := folder
	if prefix != "" {
		name = strings.TrimSuffix(prefix, "/") + "/" + folder
	}
	if delim == 0 || delim == '/' {
		return name
	}
	return strings.ReplaceAll(name, "/", string(delim))
}

func (u *Uploader) connect() error {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		},
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch u.opts.Security {
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case SecurityNone:
		client, err = imapclient.DialInsecure(address, options)
	default:
		client, err = imapclient.DialTLS(address, options)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login as %s: %w", u.opts.Username, err)
	}

	// LIST "" "" reports the hierarchy delimiter without listing anything
	if list, err := client.List("", "", nil).Collect(); err == nil && len(list) > 0 && list[0].Delim != 0 {
		u.delim = list[0].Delim
	} else if err != nil {
		u.logger.Warn("imap delimiter lookup failed, using /", "err", err)
	}

	u.client = client
	u.logger.Debug("imap connected", "address", address, "user", u.opts.Username, "delimiter", string(u.delim))
	return nil
}

func (u *Uploader) create(mailbox string) error {
	err := u.client.Create(mailbox, nil).Wait()
	var imapErr *imapv2.Error
	switch {
	case err == nil:
		u.logger.Info("imap folder created", "folder", mailbox)
		return nil
	case errors.As(err, &imapErr) && imapErr.Code == imapv2.ResponseCodeAlreadyExists:
		return nil
	}
	return fmt.Errorf("create folder %s: %w", mailbox, err)
}

func (u *Uploader) append(mailbox string, msg model.Message) error {
	var opts *imapv2.AppendOptions
	if !msg.Date.IsZero() {
		opts = &imapv2.AppendOptions{Time: msg.Date}
	}

	cmd := u.client.Append(mailbox, int64(len(msg.Raw)), opts)
	if _, err := cmd.Write(msg.Raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append to %s: %w", mailbox, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append to %s: %w", mailbox, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append to %s: %w", mailbox, err)
	}
	return nil
}
