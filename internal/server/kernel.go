package server

import (
	"github.com/nfrund/dmrelay/internal/module"
	"github.com/nfrund/dmrelay/internal/modules/directory"
	"github.com/nfrund/dmrelay/internal/modules/messenger"
)

// AppModules is the central list of all application modules.
// The server iterates over it to register, boot and shut down each module.
func AppModules() []module.Module {
	return []module.Module{
		messenger.New(),
		directory.New(),
	}
}
