package providers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/forgeml/forge/internal/domain/apperr"
	"github.com/forgeml/forge/internal/domain/provider"
)

// fakeProviderRepo is an in-memory provider.Repository keyed by (team, name).
type fakeProviderRepo struct {
	records []provider.ComputeProvider
}

func (f *fakeProviderRepo) Create(p *provider.ComputeProvider) error {
	for _, rec := range f.records {
		if rec.TeamID == p.TeamID && rec.Name == p.Name {
			return apperr.AlreadyExistsf("provider %q for team %d", p.Name, p.TeamID)
		}
	}
	p.ID = uint(len(f.records) + 1)
	f.records = append(f.records, *p)
	return nil
}

func (f *fakeProviderRepo) FindByID(id uint) (*provider.ComputeProvider, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			return &f.records[i], nil
		}
	}
	return nil, apperr.NotFoundf("provider %d", id)
}

func (f *fakeProviderRepo) FindByTeamAndName(teamID uint, name string) (*provider.ComputeProvider, error) {
	for i := range f.records {
		if f.records[i].TeamID == teamID && f.records[i].Name == name {
			return &f.records[i], nil
		}
	}
	return nil, apperr.NotFoundf("provider %q for team %d", name, teamID)
}

func (f *fakeProviderRepo) FindByTeam(teamID uint) ([]provider.ComputeProvider, error) {
	var out []provider.ComputeProvider
	for _, rec := range f.records {
		if rec.TeamID == teamID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeProviderRepo) Update(p *provider.ComputeProvider) error { return nil }
func (f *fakeProviderRepo) Delete(id uint) error                     { return nil }

// countingFactory records construction calls and hands out distinct fake
// clients.
type countingFactory struct {
	calls int
}

func (c *countingFactory) build(name string, typ provider.ProviderType, cfg provider.Config) (Provider, error) {
	c.calls++
	return &fakeClient{name: name, typ: typ, cfg: cfg}, nil
}

type fakeClient struct {
	Provider
	name string
	typ  provider.ProviderType
	cfg  provider.Config
}

func mustConfigJSON(t *testing.T, cfg provider.Config) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return datatypes.JSON(raw)
}

func TestRouterResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("registered record wins over static declaration", func(t *testing.T) {
		repo := &fakeProviderRepo{}
		require.NoError(t, repo.Create(&provider.ComputeProvider{
			TeamID: 1,
			Name:   "gpu-west",
			Type:   provider.TypeGPURental,
			Config: mustConfigJSON(t, provider.Config{APIKey: "from-db"}),
		}))
		static := &StaticConfig{Providers: []StaticDeclaration{{
			Name: "gpu-west", Type: provider.TypeClusterBroker,
			Config: provider.Config{ServerURL: "http://static"},
		}}}

		r := NewRouter(repo, static)
		factory := &countingFactory{}
		r.SetFactory(factory.build)

		client, err := r.Resolve(ctx, 1, "gpu-west")
		require.NoError(t, err)
		fc := client.(*fakeClient)
		assert.Equal(t, provider.TypeGPURental, fc.typ)
		assert.Equal(t, "from-db", fc.cfg.APIKey)
	})

	t.Run("static declaration serves unregistered names", func(t *testing.T) {
		static := &StaticConfig{Providers: []StaticDeclaration{{
			Name: "slurm-lab", Type: provider.TypeBatchScheduler,
			Config: provider.Config{ServerURL: "http://slurm:6820"},
		}}}
		r := NewRouter(&fakeProviderRepo{}, static)
		factory := &countingFactory{}
		r.SetFactory(factory.build)

		client, err := r.Resolve(ctx, 1, "slurm-lab")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeBatchScheduler, client.(*fakeClient).typ)
	})

	t.Run("local resolves without any registration", func(t *testing.T) {
		r := NewRouter(&fakeProviderRepo{}, &StaticConfig{})
		factory := &countingFactory{}
		r.SetFactory(factory.build)

		client, err := r.Resolve(ctx, 7, "local")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeLocal, client.(*fakeClient).typ)
	})

	t.Run("unknown name is not found and lists known names", func(t *testing.T) {
		static := &StaticConfig{Providers: []StaticDeclaration{{
			Name: "slurm-lab", Type: provider.TypeBatchScheduler,
		}}}
		r := NewRouter(&fakeProviderRepo{}, static)

		_, err := r.Resolve(ctx, 1, "nope")
		require.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Contains(t, err.Error(), "slurm-lab")
		assert.Contains(t, err.Error(), "local")
	})

	t.Run("clients are cached per team and name", func(t *testing.T) {
		static := &StaticConfig{Providers: []StaticDeclaration{{
			Name: "slurm-lab", Type: provider.TypeBatchScheduler,
		}}}
		r := NewRouter(&fakeProviderRepo{}, static)
		factory := &countingFactory{}
		r.SetFactory(factory.build)

		a, err := r.Resolve(ctx, 1, "slurm-lab")
		require.NoError(t, err)
		b, err := r.Resolve(ctx, 1, "slurm-lab")
		require.NoError(t, err)
		assert.Same(t, a, b)
		assert.Equal(t, 1, factory.calls)

		// a different team builds its own client
		_, err = r.Resolve(ctx, 2, "slurm-lab")
		require.NoError(t, err)
		assert.Equal(t, 2, factory.calls)
	})

	t.Run("reload clears the cache", func(t *testing.T) {
		static := &StaticConfig{Providers: []StaticDeclaration{{
			Name: "slurm-lab", Type: provider.TypeBatchScheduler,
		}}}
		r := NewRouter(&fakeProviderRepo{}, static)
		factory := &countingFactory{}
		r.SetFactory(factory.build)

		_, err := r.Resolve(ctx, 1, "slurm-lab")
		require.NoError(t, err)
		r.Reload()
		_, err = r.Resolve(ctx, 1, "slurm-lab")
		require.NoError(t, err)
		assert.Equal(t, 2, factory.calls)
	})
}

func TestKnownNames(t *testing.T) {
	repo := &fakeProviderRepo{}
	require.NoError(t, repo.Create(&provider.ComputeProvider{TeamID: 1, Name: "gpu-west", Type: provider.TypeGPURental}))
	static := &StaticConfig{Providers: []StaticDeclaration{{Name: "slurm-lab", Type: provider.TypeBatchScheduler}}}

	r := NewRouter(repo, static)
	assert.Equal(t, []string{"gpu-west", "local", "slurm-lab"}, r.KnownNames(1))
	assert.Equal(t, []string{"local", "slurm-lab"}, r.KnownNames(2))
}

func TestLoadStaticConfig(t *testing.T) {
	t.Run("missing file yields empty config", func(t *testing.T) {
		cfg, err := LoadStaticConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Empty(t, cfg.Providers)
	})

	t.Run("parses declarations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "providers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: slurm-lab
    type: batch_scheduler
    config:
      server_url: http://slurm:6820
      partition: gpu
`), 0o644))

		cfg, err := LoadStaticConfig(path)
		require.NoError(t, err)
		require.Len(t, cfg.Providers, 1)
		decl, ok := cfg.Find("slurm-lab")
		require.True(t, ok)
		assert.Equal(t, provider.TypeBatchScheduler, decl.Type)
		assert.Equal(t, "gpu", decl.Config.Partition)
	})

	t.Run("rejects unknown provider type", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "providers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: weird
    type: mainframe
`), 0o644))

		_, err := LoadStaticConfig(path)
		assert.Error(t, err)
	})
}
