package domain

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Member names one artifact of an InputBundle.
type Member string

const (
	MemberConfig            Member = "config"
	MemberMobilityReduction Member = "mobility_reduction"
	MemberMobilityMatrix    Member = "mobility_matrix"
	MemberMetapopulation    Member = "metapopulation"
	MemberInitialConditions Member = "initial_conditions"
)

// AuxiliaryMembers is the fixed order in which auxiliary artifacts are hashed
// and staged. The order is part of the fingerprint contract.
var AuxiliaryMembers = []Member{
	MemberMobilityReduction,
	MemberMobilityMatrix,
	MemberMetapopulation,
	MemberInitialConditions,
}

// Filename returns the name under which the external process expects m in
// its workspace.
func (m Member) Filename() string {
	switch m {
	case MemberConfig:
		return "config.json"
	case MemberMobilityReduction:
		return "kappa0_from_mitma.csv"
	case MemberMobilityMatrix:
		return "R_mobility_matrix.csv"
	case MemberMetapopulation:
		return "metapopulation_data.csv"
	case MemberInitialConditions:
		return "initial_conditions.nc"
	default:
		return ""
	}
}

// Artifact is one named member of a bundle.
type Artifact struct {
	Member Member
	Data   []byte
}

// InputBundle holds the configuration document and the auxiliary files of one
// simulation request. It must not be modified after it has been fingerprinted.
type InputBundle struct {
	Config            []byte
	MobilityReduction []byte
	MobilityMatrix    []byte
	Metapopulation    []byte
	InitialConditions []byte
}

// Auxiliary returns the auxiliary artifacts in AuxiliaryMembers order.
func (b InputBundle) Auxiliary() []Artifact {
	return []Artifact{
		{Member: MemberMobilityReduction, Data: b.MobilityReduction},
		{Member: MemberMobilityMatrix, Data: b.MobilityMatrix},
		{Member: MemberMetapopulation, Data: b.Metapopulation},
		{Member: MemberInitialConditions, Data: b.InitialConditions},
	}
}

// Artifacts returns every member, configuration first.
func (b InputBundle) Artifacts() []Artifact {
	return append([]Artifact{{Member: MemberConfig, Data: b.Config}}, b.Auxiliary()...)
}

// Validate checks that every member is present and that the configuration
// document satisfies the configuration schema.
func (b InputBundle) Validate() error {
	for _, a := range b.Artifacts() {
		if len(a.Data) == 0 {
			return Inputf(string(a.Member), "is required")
		}
	}
	if _, err := ParseSimulationConfig(b.Config); err != nil {
		return err
	}
	return nil
}

// Size is the total byte length of all members.
func (b InputBundle) Size() int {
	n := 0
	for _, a := range b.Artifacts() {
		n += len(a.Data)
	}
	return n
}

// BundleSources are the byte streams a bundle is read from. Nil readers are
// reported as missing members.
type BundleSources struct {
	Config            io.Reader
	MobilityReduction io.Reader
	MobilityMatrix    io.Reader
	Metapopulation    io.Reader
	InitialConditions io.Reader
}

// ReadBundle drains every source into an InputBundle and validates it.
func ReadBundle(src BundleSources) (InputBundle, error) {
	var bundle InputBundle
	readers := []struct {
		member Member
		r      io.Reader
		dst    *[]byte
	}{
		{MemberConfig, src.Config, &bundle.Config},
		{MemberMobilityReduction, src.MobilityReduction, &bundle.MobilityReduction},
		{MemberMobilityMatrix, src.MobilityMatrix, &bundle.MobilityMatrix},
		{MemberMetapopulation, src.Metapopulation, &bundle.Metapopulation},
		{MemberInitialConditions, src.InitialConditions, &bundle.InitialConditions},
	}

	for _, item := range readers {
		if item.r == nil {
			return InputBundle{}, Inputf(string(item.member), "is required")
		}
		data, err := io.ReadAll(item.r)
		if err != nil {
			return InputBundle{}, &InputError{Member: string(item.member), Reason: "unreadable", Err: err}
		}
		*item.dst = data
	}
	if err := bundle.Validate(); err != nil {
		return InputBundle{}, err
	}
	return bundle, nil
}

// Archive serialises the bundle as a tar stream with fixed member order and
// zero timestamps, so equal bundles produce equal archives.
func (b InputBundle) Archive() ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, a := range b.Artifacts() {
		hdr := &tar.Header{
			Name:    a.Member.Filename(),
			Mode:    0o644,
			Size:    int64(len(a.Data)),
			ModTime: time.Unix(0, 0).UTC(),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("archive header %s: %w", a.Member, err)
		}
		if _, err := tw.Write(a.Data); err != nil {
			return nil, fmt.Errorf("archive %s: %w", a.Member, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive close: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackArchive restores a bundle written by Archive.
func UnpackArchive(data []byte) (InputBundle, error) {
	byName := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return InputBundle{}, &DecodeError{Key: "parameter archive", Err: err}
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return InputBundle{}, &DecodeError{Key: hdr.Name, Err: err}
		}
		byName[hdr.Name] = body
	}
	bundle := InputBundle{
		Config:            byName[MemberConfig.Filename()],
		MobilityReduction: byName[MemberMobilityReduction.Filename()],
		MobilityMatrix:    byName[MemberMobilityMatrix.Filename()],
		Metapopulation:    byName[MemberMetapopulation.Filename()],
		InitialConditions: byName[MemberInitialConditions.Filename()],
	}
	for _, a := range bundle.Artifacts() {
		if a.Data == nil {
			return InputBundle{}, &DecodeError{Key: a.Member.Filename(), Err: fmt.Errorf("missing from archive")}
		}
	}
	return bundle, nil
}

// DecodeConfigString accepts a configuration document sent either as a JSON
// object or as a JSON string that itself contains the object.
func DecodeConfigString(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, Inputf(string(MemberConfig), "is required")
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, &InputError{Member: string(MemberConfig), Reason: "invalid JSON string", Err: err}
	}
	return []byte(inner), nil
}
