// Package plugins registers the built-in plugin implementations.
package plugins

import (
	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/plugins/filechange"
	"github.com/auri/auri/pkg/plugins/folder"
	"github.com/auri/auri/pkg/plugins/hashfeed"
	"github.com/auri/auri/pkg/plugins/scripted"
	"github.com/auri/auri/pkg/plugins/vbox"
	"github.com/auri/auri/pkg/transports/ssh"
)

// RegisterAll adds every built-in factory to catalog.
func RegisterAll(catalog *plugin.Catalog) {
	catalog.Collectors.MustRegister(folder.Type, folder.New)
	catalog.InfoProviders.MustRegister(hashfeed.Type, hashfeed.New)
	catalog.Analyzers.MustRegister(filechange.Type, filechange.New)
	catalog.Analyzers.MustRegister(scripted.Type, scripted.New)
	catalog.VMManagers.MustRegister(vbox.Type, vbox.New)
	catalog.VMInteractions.MustRegister(ssh.Type, ssh.New)
}

// NewCatalog returns a catalog holding every built-in plugin.
func NewCatalog() *plugin.Catalog {
	catalog := plugin.NewCatalog()
	RegisterAll(catalog)
	return catalog
}
