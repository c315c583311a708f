package daemon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nix-community/go-nix-daemon/pkg/daemon"
)

func TestOperationString(t *testing.T) {
	assert.Equal(t, "IsValidPath", daemon.OpIsValidPath.String())
	assert.Equal(t, "NarFromPath", daemon.OpNarFromPath.String())
	assert.Equal(t, "AddMultipleToStore", daemon.OpAddMultipleToStore.String())
	assert.Equal(t, "Operation(999)", daemon.Operation(999).String())
}

func TestOperationTrustRequired(t *testing.T) {
	trusted := []daemon.Operation{
		daemon.OpAddIndirectRoot,
		daemon.OpCollectGarbage,
		daemon.OpOptimiseStore,
		daemon.OpVerifyStore,
		daemon.OpBuildDerivation,
		daemon.OpAddSignatures,
		daemon.OpAddToStoreNar,
		daemon.OpRegisterDrvOutput,
		daemon.OpAddMultipleToStore,
		daemon.OpAddBuildLog,
		daemon.OpAddPermRoot,
	}

	for _, op := range trusted {
		assert.True(t, op.TrustRequired(), "%s", op)
	}

	for _, op := range []daemon.Operation{
		daemon.OpIsValidPath,
		daemon.OpQueryPathInfo,
		daemon.OpNarFromPath,
		daemon.OpBuildPaths,
		daemon.OpSetOptions,
	} {
		assert.False(t, op.TrustRequired(), "%s", op)
	}
}

func TestOperationMinVersion(t *testing.T) {
	assert.Equal(t, daemon.MinProtocolVersion, daemon.OpIsValidPath.MinVersion())
	assert.Equal(t, uint64(0x0120), daemon.OpAddMultipleToStore.MinVersion())
	assert.Equal(t, uint64(0x0122), daemon.OpBuildPathsWithResults.MinVersion())
	assert.Equal(t, uint64(0x0124), daemon.OpAddPermRoot.MinVersion())
}

func TestBuildStatus(t *testing.T) {
	assert.Equal(t, "Built", daemon.BuildStatusBuilt.String())
	assert.Equal(t, "TimedOut", daemon.BuildStatusTimedOut.String())
	assert.True(t, daemon.BuildStatusSubstituted.Success())
	assert.False(t, daemon.BuildStatusCachedFailure.Success())
}

func TestDerivationOutputKind(t *testing.T) {
	cases := []struct {
		out  daemon.DerivationOutput
		kind daemon.DerivationOutputKind
	}{
		{daemon.DerivationOutput{Path: "/nix/store/abc-foo"}, daemon.OutputInputAddressed},
		{daemon.DerivationOutput{HashAlgorithm: "r:sha256", Hash: "00ff"}, daemon.OutputCAFixed},
		{daemon.DerivationOutput{HashAlgorithm: "r:sha256"}, daemon.OutputCAFloating},
		{daemon.DerivationOutput{}, daemon.OutputDeferred},
		{daemon.DerivationOutput{HashAlgorithm: "r:sha256", Hash: "impure"}, daemon.OutputImpure},
	}

	for _, c := range cases {
		assert.Equal(t, c.kind, c.out.Kind())
	}
}

func TestTrustLevelString(t *testing.T) {
	assert.Equal(t, "trusted", daemon.TrustTrusted.String())
	assert.Equal(t, "not trusted", daemon.TrustNotTrusted.String())
	assert.Equal(t, "unknown", daemon.TrustUnknown.String())
}

func TestVerbosityOrdering(t *testing.T) {
	assert.Less(t, daemon.VerbError, daemon.VerbWarn)
	assert.Less(t, daemon.VerbWarn, daemon.VerbNotice)
	assert.Less(t, daemon.VerbNotice, daemon.VerbInfo)
	assert.Less(t, daemon.VerbInfo, daemon.VerbTalkative)
	assert.Less(t, daemon.VerbTalkative, daemon.VerbChatty)
	assert.Less(t, daemon.VerbChatty, daemon.VerbDebug)
	assert.Less(t, daemon.VerbDebug, daemon.VerbVomit)
}

func TestWireConstants(t *testing.T) {
	assert.Equal(t, uint64(0x6e697863), daemon.ClientMagic)
	assert.Equal(t, uint64(0x6478696f), daemon.ServerMagic)
	assert.Equal(t, uint64(0x0125), daemon.ProtocolVersion)
	assert.Equal(t, uint64(0x4558494e), daemon.ExportMagic)
	assert.Equal(t, uint64(0x6f6c6d67), uint64(daemon.LogNext))
	assert.Equal(t, uint64(0x64617461), uint64(daemon.LogRead))
	assert.Equal(t, uint64(0x64617416), uint64(daemon.LogWrite))
	assert.Equal(t, uint64(0x616c7473), uint64(daemon.LogLast))
	assert.Equal(t, uint64(0x63787470), uint64(daemon.LogError))
	assert.Equal(t, uint64(0x53545254), uint64(daemon.LogStartActivity))
	assert.Equal(t, uint64(0x53544f50), uint64(daemon.LogStopActivity))
	assert.Equal(t, uint64(0x52534c54), uint64(daemon.LogResult))
}
