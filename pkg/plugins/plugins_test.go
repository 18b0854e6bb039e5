package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCatalog(t *testing.T) {
	catalog := NewCatalog()

	assert.Equal(t, []string{"folder"}, catalog.Collectors.Types())
	assert.Equal(t, []string{"hashfeed"}, catalog.InfoProviders.Types())
	assert.Equal(t, []string{"filechange", "scripted"}, catalog.Analyzers.Types())
	assert.Equal(t, []string{"vbox"}, catalog.VMManagers.Types())
	assert.Equal(t, []string{"ssh"}, catalog.VMInteractions.Types())
}
