package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSendGridSender_RequiresAPIKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{FromEmail: "billing@example.com"}, nil))
}

func TestNewSendGridSender_Defaults(t *testing.T) {
	s := NewSendGridSender(SendGridConfig{
		APIKey:    "SG.test",
		FromEmail: "billing@example.com",
	}, nil)
	require.NotNil(t, s)
	assert.Equal(t, "SMS Gateway", s.fromName)
	assert.Equal(t, "billing@example.com", s.fromEmail)
}
