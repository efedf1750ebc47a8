package devmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyrange/vdm/internal/cfgtree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopDev struct{}

func (nopDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error { return nil }
func (nopDev) Destruct(in *Instance) error                                   { return nil }

func validRegistration(name string) Registration {
	return Registration{
		Name:       name,
		APIVersion: "v1.2.0",
		Schema:     SchemaV1,
		Class:      ClassMisc,
		New:        func() Device { return nopDev{} },
	}
}

func TestRegisterTypeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Registration)
	}{
		{"empty name", func(r *Registration) { r.Name = "" }},
		{"name too long", func(r *Registration) { r.Name = "abcdefghijklmnopqrstuvwxyz-abcdef" }},
		{"reserved chars", func(r *Registration) { r.Name = "bad#name" }},
		{"wrong schema", func(r *Registration) { r.Schema = 0 }},
		{"nil constructor", func(r *Registration) { r.New = nil }},
		{"not semver", func(r *Registration) { r.APIVersion = "1.2.0" }},
		{"wrong major", func(r *Registration) { r.APIVersion = "v2.0.0" }},
		{"newer minor", func(r *Registration) { r.APIVersion = "v1.4.0" }},
		{"newer patch", func(r *Registration) { r.APIVersion = "v1.3.1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			r := validRegistration("dev")
			tc.mutate(&r)
			require.Error(t, reg.RegisterType(r))
		})
	}
}

func TestRegisterTypeVersionWindow(t *testing.T) {
	reg := NewRegistry()
	for i, v := range []string{"v1.0.0", "v1.2.5", CurrentAPIVersion} {
		r := validRegistration(string(rune('a' + i)))
		r.APIVersion = v
		require.NoError(t, reg.RegisterType(r), v)
	}
}

func TestRegisterTypeRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterType(validRegistration("dup")))
	err := reg.RegisterType(validRegistration("dup"))
	require.ErrorContains(t, err, "already registered")

	got, ok := reg.Lookup("dup")
	require.True(t, ok)
	require.Equal(t, "dup", got.Name)
	require.Contains(t, reg.Types(), "dup")
}

func TestMaxInstancesDefaultsToOne(t *testing.T) {
	r := validRegistration("one")
	require.Equal(t, 1, r.maxInstances())
	r.MaxInstances = 4
	require.Equal(t, 4, r.maxInstances())
}
