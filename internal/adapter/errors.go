package adapter

import (
	"fmt"

	"github.com/Haserjian/agentmesh/internal/meshkind"
)

func unknownBackend(name string) error {
	return meshkind.New(meshkind.AdapterUnknown, "adapter.Resolve", fmt.Errorf("backend %q not registered", name))
}

func policyDenied(name string, cause error) error {
	return meshkind.New(meshkind.AdapterPolicyDenied, "adapter.Resolve", fmt.Errorf("backend %q: %w", name, cause))
}
