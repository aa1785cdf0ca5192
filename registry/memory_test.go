package registry_test

import (
	"testing"

	"github.com/ineyio/creditengine/registry"
	"github.com/ineyio/creditengine/registry/registrytest"
)

func TestMemory(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registrytest.Store {
		return registry.NewMemory()
	})
}
