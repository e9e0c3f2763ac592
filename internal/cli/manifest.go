package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/episim-labs/episim-go/internal/domain"
)

// Manifest names the files of one input bundle. Relative paths are resolved
// against the manifest's directory.
//
//	engine: MMCACovid19Vac
//	config: config.json
//	mobility_reduction: kappa0_from_mitma.csv
//	mobility_matrix: R_mobility_matrix.csv
//	metapopulation: metapopulation_data.csv
//	initial_conditions: initial_conditions.nc
type Manifest struct {
	Engine            string `yaml:"engine"`
	Config            string `yaml:"config"`
	MobilityReduction string `yaml:"mobility_reduction"`
	MobilityMatrix    string `yaml:"mobility_matrix"`
	Metapopulation    string `yaml:"metapopulation"`
	InitialConditions string `yaml:"initial_conditions"`

	dir string
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return Manifest{}, domain.Inputf("manifest", "%s is empty", path)
		}
		return Manifest{}, &domain.InputError{Member: "manifest", Reason: "invalid YAML", Err: err}
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

func (m Manifest) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Bundle reads every file named by the manifest.
func (m Manifest) Bundle() (domain.InputBundle, error) {
	paths := []struct {
		member domain.Member
		path   string
	}{
		{domain.MemberConfig, m.Config},
		{domain.MemberMobilityReduction, m.MobilityReduction},
		{domain.MemberMobilityMatrix, m.MobilityMatrix},
		{domain.MemberMetapopulation, m.Metapopulation},
		{domain.MemberInitialConditions, m.InitialConditions},
	}
	readers := make([]io.Reader, len(paths))
	for i, p := range paths {
		path := m.resolve(p.path)
		if path == "" {
			return domain.InputBundle{}, domain.Inputf(string(p.member), "is not named in the manifest")
		}
		f, err := os.Open(path)
		if err != nil {
			return domain.InputBundle{}, &domain.InputError{Member: string(p.member), Reason: "unreadable", Err: err}
		}
		defer f.Close()
		readers[i] = f
	}
	return domain.ReadBundle(domain.BundleSources{
		Config:            readers[0],
		MobilityReduction: readers[1],
		MobilityMatrix:    readers[2],
		Metapopulation:    readers[3],
		InitialConditions: readers[4],
	})
}
