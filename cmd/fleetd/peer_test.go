package main

import (
	"testing"
	"time"

	"github.com/hearthnet/fleet/pkg/config"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueTokenThenListTokens(t *testing.T) {
	dir := t.TempDir()

	token, err := issueToken(dir, "member", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "member", token.Role)
	assert.NotEmpty(t, token.Token)

	tokens, err := listTokens(dir)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, token.Token, tokens[0].Token)
}

func TestPeerAdmitAppendsRemoteNodeOnce(t *testing.T) {
	dir := t.TempDir()

	token, err := issueToken(dir, "member", time.Hour)
	require.NoError(t, err)

	identity := types.NodeIdentity{UniqueID: "peer-1", ListenAddresses: []string{"10.0.0.5:7070"}}
	require.NoError(t, peerAdmit(dir, token.Token, identity))

	cfgStore, err := config.Open(clusterConfigPath(dir))
	require.NoError(t, err)
	defer cfgStore.Close()
	require.Len(t, cfgStore.Get().RemoteNodes, 1)
	assert.Equal(t, "peer-1", cfgStore.Get().RemoteNodes[0].UniqueID)

	// redeeming the same (now-consumed) token again must fail
	err = peerAdmit(dir, token.Token, identity)
	assert.Error(t, err)
}

func TestPeerAdmitUnknownTokenRejected(t *testing.T) {
	dir := t.TempDir()
	err := peerAdmit(dir, "not-a-real-token", types.NodeIdentity{UniqueID: "peer-1"})
	assert.Error(t, err)
}
