// Package confirm polls the applicant's mailbox for application
// confirmation emails so successful submissions can be cross-checked
// against what companies actually acknowledged.
package confirm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"applyflow-engine/internal/config"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// lookback bounds the search window; confirmations older than this are
// assumed already handled.
const lookback = 7 * 24 * time.Hour

// Confirmation is one acknowledgment email matched by the subject filter.
type Confirmation struct {
	UID        imap.UID
	From       string
	Subject    string
	ReceivedAt time.Time
}

type Poller struct {
	host     string
	port     int
	username string
	password string
	mailbox  string
	subjects []string
}

func NewPoller(cfg config.Config, password string) (*Poller, error) {
	e := cfg.Email
	if e.IMAPHost == "" || e.Username == "" {
		return nil, errors.New("confirm: imap host and username are required")
	}
	if password == "" {
		return nil, errors.New("confirm: imap password is required")
	}
	port := e.IMAPPort
	if port == 0 {
		port = 993
	}
	mailbox := e.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &Poller{
		host:     e.IMAPHost,
		port:     port,
		username: e.Username,
		password: password,
		mailbox:  mailbox,
		subjects: e.SearchSubjectAny,
	}, nil
}

// Poll opens a fresh IMAP session, scans recent unseen mail, and returns
// the messages whose subject matches the confirmation filter. Uses peek
// fetches so nothing gets marked seen.
func (p *Poller) Poll(ctx context.Context) ([]Confirmation, error) {
	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	c, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: p.host},
	})
	if err != nil {
		return nil, fmt.Errorf("imap dial tls: %w", err)
	}
	defer func() { _ = c.Close() }()

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	if err := c.Login(p.username, p.password).Wait(); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(p.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", p.mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Since:   time.Now().Add(-lookback),
	}
	searchData, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
	})
	defer func() { _ = fetchCmd.Close() }()

	var out []Confirmation
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			log.Printf("[confirm] collect message: %v", err)
			continue
		}
		if buf.Envelope == nil {
			continue
		}
		if !MatchSubject(buf.Envelope.Subject, p.subjects) {
			continue
		}

		from := ""
		if len(buf.Envelope.From) > 0 {
			from = buf.Envelope.From[0].Addr()
		}
		out = append(out, Confirmation{
			UID:        buf.UID,
			From:       from,
			Subject:    buf.Envelope.Subject,
			ReceivedAt: buf.InternalDate,
		})
	}

	log.Printf("[confirm] %d of %d unseen messages matched", len(out), len(uids))
	return out, nil
}

// MatchSubject reports whether the subject contains any configured phrase,
// case-insensitively. An empty phrase list matches nothing.
func MatchSubject(subject string, phrases []string) bool {
	ls := strings.ToLower(subject)
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" && strings.Contains(ls, p) {
			return true
		}
	}
	return false
}
