package registry

import (
	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/logger"
)

// Provide creates and loads the persona registry. A configured catalog path
// replaces the embedded catalog.
func Provide(cfg config.RegistryConfig, log *logger.Logger) (*Registry, func() error, error) {
	reg := NewRegistry(log)
	var err error
	if cfg.CatalogPath != "" {
		err = reg.LoadFile(cfg.CatalogPath)
	} else {
		err = reg.LoadDefaults()
	}
	if err != nil {
		return nil, nil, err
	}
	return reg, func() error { return nil }, nil
}
