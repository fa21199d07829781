package pii

import (
	"reflect"
	"sync"
	"testing"
)

type regAddress struct {
	Record
	Street string `json:"street"`
}

func (a *regAddress) EntityType() string { return "reg.address" }

type regProfile struct {
	Record
	Phone string `json:"phone"`
}

func (p *regProfile) EntityType() string { return "reg.profile" }

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Entity { return &regAddress{} })
	r.Register(func() Entity { return &regAddress{} })
	got := r.Registered()
	want := []string{"reg.address"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Registered() = %v, want %v", got, want)
	}
}

func TestRegistrySeparatesSyncFromKnown(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Entity { return &regAddress{} })
	r.RegisterType(func() Entity { return &regProfile{} })

	wantSync := []string{"reg.address"}
	if got := r.Registered(); !reflect.DeepEqual(got, wantSync) {
		t.Errorf("Registered() = %v, want %v", got, wantSync)
	}
	wantKnown := []string{"reg.address", "reg.profile"}
	if got := r.KnownTypes(); !reflect.DeepEqual(got, wantKnown) {
		t.Errorf("KnownTypes() = %v, want %v", got, wantKnown)
	}
	if !r.IsReplicated("reg.profile") {
		t.Errorf("IsReplicated(reg.profile) = false, want true: RegisterType still marks the contract")
	}
	if r.IsReplicated("reg.unknown") {
		t.Errorf("IsReplicated(reg.unknown) = true, want false")
	}
}

func TestRegistryRegisterUpgradesKnownType(t *testing.T) {
	r := NewRegistry()
	r.RegisterType(func() Entity { return &regProfile{} })
	r.Register(func() Entity { return &regProfile{} })
	// and a later RegisterType must not downgrade it
	r.RegisterType(func() Entity { return &regProfile{} })
	want := []string{"reg.profile"}
	if got := r.Registered(); !reflect.DeepEqual(got, want) {
		t.Errorf("Registered() = %v, want %v", got, want)
	}
}

func TestRegistryNewReturnsFreshInstances(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Entity { return &regAddress{} })

	a, ok := r.New("reg.address")
	if !ok {
		t.Fatalf("New(reg.address) not found")
	}
	a.SetSession("s1")
	b, _ := r.New("reg.address")
	if b.Session() != "" {
		t.Errorf("New returned a shared instance: session = %q", b.Session())
	}
	if _, ok := r.New("reg.unknown"); ok {
		t.Errorf("New(reg.unknown) found, want not found")
	}
}

func TestRegistryConcurrentReads(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Registered()
				r.KnownTypes()
				r.IsReplicated("reg.address")
			}
		}()
	}
	for j := 0; j < 100; j++ {
		r.Register(func() Entity { return &regAddress{} })
	}
	wg.Wait()
}
