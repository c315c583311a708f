package daemon

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

// WriteStrings writes a list of strings as count + entries.
func WriteStrings(w io.Writer, ss []string) error {
	if err := wire.WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}

	for _, s := range ss {
		if err := wire.WriteString(w, s); err != nil {
			return err
		}
	}

	return nil
}

// ReadStrings reads a list of strings.
func ReadStrings(r io.Reader, maxBytes uint64) ([]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string list count", Err: err}
	}

	ss := make([]string, count)
	for i := uint64(0); i < count; i++ {
		s, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string list entry", Err: err}
		}

		ss[i] = s
	}

	return ss, nil
}

// WriteStringMap writes a map as count + sorted key/value pairs.
func WriteStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if err := wire.WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		if err := wire.WriteString(w, k); err != nil {
			return err
		}

		if err := wire.WriteString(w, m[k]); err != nil {
			return err
		}
	}

	return nil
}

// ReadStringMap reads a map of string key/value pairs.
func ReadStringMap(r io.Reader, maxBytes uint64) (map[string]string, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read string map count", Err: err}
	}

	m := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map key", Err: err}
		}

		val, err := wire.ReadString(r, maxBytes)
		if err != nil {
			return nil, &ProtocolError{Op: "read string map value", Err: err}
		}

		m[key] = val
	}

	return m, nil
}

// ReadPathInfo reads an UnkeyedValidPathInfo from the wire. storePath
// is provided separately (already known by the caller).
func ReadPathInfo(r io.Reader, storePath string) (*PathInfo, error) {
	deriver, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info deriver", Err: err}
	}

	narHash, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narHash", Err: err}
	}

	references, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info references", Err: err}
	}

	registrationTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info registrationTime", Err: err}
	}

	narSize, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info narSize", Err: err}
	}

	ultimate, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info ultimate", Err: err}
	}

	sigs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info sigs", Err: err}
	}

	ca, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info contentAddress", Err: err}
	}

	return &PathInfo{
		StorePath:        storePath,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       references,
		RegistrationTime: registrationTime,
		NarSize:          narSize,
		Ultimate:         ultimate,
		Sigs:             sigs,
		CA:               ca,
	}, nil
}

// ReadValidPathInfo reads a keyed ValidPathInfo: the store path
// followed by the unkeyed fields.
func ReadValidPathInfo(r io.Reader) (*PathInfo, error) {
	storePath, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read path info storePath", Err: err}
	}

	return ReadPathInfo(r, storePath)
}

// WritePathInfo writes a PathInfo in keyed ValidPathInfo wire format.
func WritePathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.StorePath); err != nil {
		return err
	}

	return WriteUnkeyedPathInfo(w, info)
}

// WriteUnkeyedPathInfo writes the UnkeyedValidPathInfo fields, without
// the store path.
func WriteUnkeyedPathInfo(w io.Writer, info *PathInfo) error {
	if err := wire.WriteString(w, info.Deriver); err != nil {
		return err
	}

	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}

	if err := WriteStrings(w, info.References); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}

	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}

	if err := WriteStrings(w, info.Sigs); err != nil {
		return err
	}

	return wire.WriteString(w, info.CA)
}

// WriteBasicDerivation writes a BasicDerivation to the wire. Outputs are
// written sorted by name; environment variables are written sorted by key.
func WriteBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	// Outputs: count + sorted entries.
	outputNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outputNames = append(outputNames, name)
	}

	sort.Strings(outputNames)

	if err := wire.WriteUint64(w, uint64(len(outputNames))); err != nil {
		return err
	}

	for _, name := range outputNames {
		out := drv.Outputs[name]

		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Path); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.HashAlgorithm); err != nil {
			return err
		}

		if err := wire.WriteString(w, out.Hash); err != nil {
			return err
		}
	}

	// Inputs: count + strings.
	if err := WriteStrings(w, drv.Inputs); err != nil {
		return err
	}

	// Platform.
	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}

	// Builder.
	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}

	// Args: count + strings.
	if err := WriteStrings(w, drv.Args); err != nil {
		return err
	}

	// Env: count + sorted key/value pairs.
	return WriteStringMap(w, drv.Env)
}

// ReadBasicDerivation reads a BasicDerivation from the wire.
func ReadBasicDerivation(r io.Reader) (*BasicDerivation, error) {
	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation outputs count", Err: err}
	}

	outputs := make(map[string]DerivationOutput, nrOutputs)
	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output name", Err: err}
		}

		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output path", Err: err}
		}

		hashAlgo, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output hashAlgo", Err: err}
		}

		hash, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read derivation output hash", Err: err}
		}

		outputs[name] = DerivationOutput{Path: path, HashAlgorithm: hashAlgo, Hash: hash}
	}

	inputs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation inputs", Err: err}
	}

	platform, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation platform", Err: err}
	}

	builder, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation builder", Err: err}
	}

	args, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation args", Err: err}
	}

	env, err := ReadStringMap(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read derivation env", Err: err}
	}

	return &BasicDerivation{
		Outputs:  outputs,
		Inputs:   inputs,
		Platform: platform,
		Builder:  builder,
		Args:     args,
		Env:      env,
	}, nil
}

// realisationJSON is the JSON encoding of a Realisation used on the
// wire inside build results and QueryRealisation responses.
type realisationJSON struct {
	ID                    string            `json:"id"`
	OutPath               string            `json:"outPath"`
	Signatures            []string          `json:"signatures,omitempty"`
	DependentRealisations map[string]string `json:"dependentRealisations,omitempty"` //nolint:tagliatelle // matches Nix's JSON format
}

// MarshalRealisation renders a Realisation as its wire JSON.
func MarshalRealisation(r Realisation) (string, error) {
	buf, err := json.Marshal(realisationJSON{
		ID:                    r.ID,
		OutPath:               r.OutPath,
		Signatures:            r.Signatures,
		DependentRealisations: r.DependentRealisations,
	})
	if err != nil {
		return "", err
	}

	return string(buf), nil
}

// UnmarshalRealisation parses the wire JSON form of a Realisation.
func UnmarshalRealisation(s string) (Realisation, error) {
	var rj realisationJSON
	if err := json.Unmarshal([]byte(s), &rj); err != nil {
		return Realisation{}, err
	}

	return Realisation{
		ID:                    rj.ID,
		OutPath:               rj.OutPath,
		Signatures:            rj.Signatures,
		DependentRealisations: rj.DependentRealisations,
	}, nil
}

// ReadBuildResult reads a BuildResult from the wire.
func ReadBuildResult(r io.Reader) (*BuildResult, error) {
	status, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result status", Err: err}
	}

	errorMsg, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result errorMsg", Err: err}
	}

	timesBuilt, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result timesBuilt", Err: err}
	}

	isNonDeterministic, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result isNonDeterministic", Err: err}
	}

	startTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result startTime", Err: err}
	}

	stopTime, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result stopTime", Err: err}
	}

	nrOutputs, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read build result builtOutputs count", Err: err}
	}

	builtOutputs := make(map[string]Realisation, nrOutputs)
	for i := uint64(0); i < nrOutputs; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result output name", Err: err}
		}

		raw, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read build result realisation", Err: err}
		}

		realisation, err := UnmarshalRealisation(raw)
		if err != nil {
			return nil, &ProtocolError{Op: "parse build result realisation", Err: err}
		}

		builtOutputs[name] = realisation
	}

	return &BuildResult{
		Status:             BuildStatus(status),
		ErrorMsg:           errorMsg,
		TimesBuilt:         timesBuilt,
		IsNonDeterministic: isNonDeterministic,
		StartTime:          startTime,
		StopTime:           stopTime,
		BuiltOutputs:       builtOutputs,
	}, nil
}

// WriteBuildResult writes a BuildResult to the wire. Outputs are
// written sorted by name.
func WriteBuildResult(w io.Writer, br *BuildResult) error {
	if err := wire.WriteUint64(w, uint64(br.Status)); err != nil {
		return err
	}

	if err := wire.WriteString(w, br.ErrorMsg); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, br.TimesBuilt); err != nil {
		return err
	}

	if err := wire.WriteBool(w, br.IsNonDeterministic); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, br.StartTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, br.StopTime); err != nil {
		return err
	}

	names := make([]string, 0, len(br.BuiltOutputs))
	for name := range br.BuiltOutputs {
		names = append(names, name)
	}

	sort.Strings(names)

	if err := wire.WriteUint64(w, uint64(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		raw, err := MarshalRealisation(br.BuiltOutputs[name])
		if err != nil {
			return err
		}

		if err := wire.WriteString(w, raw); err != nil {
			return err
		}
	}

	return nil
}

// ReadGCOptions reads a CollectGarbage request body.
func ReadGCOptions(r io.Reader) (*GCOptions, error) {
	action, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read gc action", Err: err}
	}

	paths, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read gc pathsToDelete", Err: err}
	}

	ignoreLiveness, err := wire.ReadBool(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read gc ignoreLiveness", Err: err}
	}

	maxFreed, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read gc maxFreed", Err: err}
	}

	// Three obsolete fields.
	for i := 0; i < 3; i++ {
		if _, err := wire.ReadUint64(r); err != nil {
			return nil, &ProtocolError{Op: "read gc obsolete field", Err: err}
		}
	}

	return &GCOptions{
		Action:         GCAction(action),
		PathsToDelete:  paths,
		IgnoreLiveness: ignoreLiveness,
		MaxFreed:       maxFreed,
	}, nil
}

// WriteMissingInfo writes a QueryMissing response body.
func WriteMissingInfo(w io.Writer, info *MissingInfo) error {
	if err := WriteStrings(w, info.WillBuild); err != nil {
		return err
	}

	if err := WriteStrings(w, info.WillSubstitute); err != nil {
		return err
	}

	if err := WriteStrings(w, info.Unknown); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, info.DownloadSize); err != nil {
		return err
	}

	return wire.WriteUint64(w, info.NarSize)
}
