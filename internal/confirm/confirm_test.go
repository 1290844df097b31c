package confirm

import (
	"testing"

	"applyflow-engine/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	t.Parallel()

	phrases := []string{"application received", "thank you for applying"}

	assert.True(t, MatchSubject("Your Application Received - Initech", phrases))
	assert.True(t, MatchSubject("RE: THANK YOU FOR APPLYING", phrases))
	assert.False(t, MatchSubject("Weekly job alerts", phrases))
	assert.False(t, MatchSubject("Application received", nil), "no phrases matches nothing")
	assert.False(t, MatchSubject("anything", []string{"  "}), "blank phrase is ignored")
}

func TestNewPollerValidation(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Email.IMAPHost = "imap.example.com"
	cfg.Email.Username = "applicant@example.com"

	p, err := NewPoller(cfg, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, 993, p.port, "port defaults to IMAPS")
	assert.Equal(t, "INBOX", p.mailbox)

	_, err = NewPoller(cfg, "")
	assert.Error(t, err, "missing password")

	cfg.Email.IMAPHost = ""
	_, err = NewPoller(cfg, "hunter2")
	assert.Error(t, err, "missing host")
}
