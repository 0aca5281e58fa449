package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIDStablePerName(t *testing.T) {
	r := New()

	id1 := r.GetID("quality-manager")
	id2 := r.GetID("quality-manager")
	assert.Equal(t, id1, id2)

	other := r.GetID("insight-manager")
	assert.NotEqual(t, id1, other)
}

func TestGetIDConcurrent(t *testing.T) {
	r := New()

	const goroutines = 32
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.GetID("shared-component")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestResolveDealiasesStaleInstanceID(t *testing.T) {
	r := New()
	canonical := r.GetID("report-manager")

	stale := Identifier{Name: "report-manager", Role: "manager", InstanceID: "stale-id"}
	resolved := r.Resolve(stale)
	assert.Equal(t, canonical, resolved.InstanceID)
}

func TestRegisterRecordsDependents(t *testing.T) {
	r := New()

	r.Register(Info{Identifier: Identifier{Name: "broker", Role: "service"}})
	r.Register(Info{
		Identifier:   Identifier{Name: "staging-manager", Role: "manager"},
		Dependencies: []string{"broker"},
	})
	r.Register(Info{
		Identifier:   Identifier{Name: "controlpoint-manager", Role: "manager"},
		Dependencies: []string{"broker", "staging-manager"},
	})

	info, err := r.Info("broker")
	require.NoError(t, err)
	assert.Contains(t, info.Dependents, "staging-manager")
	assert.Contains(t, info.Dependents, "controlpoint-manager")
}

func TestRegisterBeforeDependencyRegistered(t *testing.T) {
	r := New()

	// Dependent registers first; the reverse edge must survive.
	r.Register(Info{
		Identifier:   Identifier{Name: "conductor", Role: "service"},
		Dependencies: []string{"broker"},
	})
	r.Register(Info{Identifier: Identifier{Name: "broker", Role: "service"}})

	info, err := r.Info("broker")
	require.NoError(t, err)
	assert.Contains(t, info.Dependents, "conductor")
}

func TestShutdownOrderDependentsFirst(t *testing.T) {
	r := New()

	r.Register(Info{Identifier: Identifier{Name: "broker", Role: "service"}})
	r.Register(Info{
		Identifier:   Identifier{Name: "staging-manager", Role: "manager"},
		Dependencies: []string{"broker"},
	})
	r.Register(Info{
		Identifier:   Identifier{Name: "conductor", Role: "service"},
		Dependencies: []string{"staging-manager", "broker"},
	})

	order := r.ShutdownOrder()
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["conductor"], pos["staging-manager"])
	assert.Less(t, pos["staging-manager"], pos["broker"])
}

func TestInfoUnknownComponent(t *testing.T) {
	r := New()
	_, err := r.Info("nope")
	assert.Error(t, err)
}

func TestTag(t *testing.T) {
	id := Identifier{Name: "quality-manager", Role: "manager", InstanceID: "abc-123"}
	assert.Equal(t, "quality-manager.manager.abc-123", id.Tag())
}

func TestGlobalInitTeardown(t *testing.T) {
	Teardown()
	assert.Panics(t, func() { Default() })

	r := Init()
	assert.Same(t, r, Default())
	assert.Same(t, r, Init()) // second Init is a no-op

	Teardown()
	assert.Panics(t, func() { Default() })
}
