package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/config"
	"github.com/hearthnet/fleet/pkg/storage"
	"github.com/hearthnet/fleet/pkg/types"
)

// issueToken mints and persists a join token for role (Supplemented
// feature, SPEC_FULL.md §3: join-token based node admission). Run on
// the node an operator wants new peers to join through; the printed
// token is later redeemed by peerAdmit.
func issueToken(dataDir, role string, ttl time.Duration) (types.JoinToken, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return types.JoinToken{}, err
	}
	defer store.Close()

	token := types.JoinToken{
		Token:     uuid.NewString(),
		Role:      role,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := store.IssueJoinToken(token); err != nil {
		return types.JoinToken{}, err
	}
	return token, nil
}

// peerAdmit redeems token against this node's own join-token store and,
// on success, appends identity to ClusterConfig.RemoteNodes. A running
// fleetd watching the same config file (config.Store.WatchReload)
// picks up the change and calls Provider.AdmitJoinToken + Connect —
// see runtime.go's onConfigReload. Redemption is single-use: a second
// call with the same token fails even if the first admit never reached
// a running daemon.
func peerAdmit(dataDir, tokenStr string, identity types.NodeIdentity) error {
	store, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	_, ok, err := store.RedeemJoinToken(tokenStr, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fleetd: join token rejected (unknown or expired)")
	}

	cfgStore, err := config.Open(clusterConfigPath(dataDir))
	if err != nil {
		return err
	}
	defer cfgStore.Close()

	cfg := cfgStore.Get()
	for _, existing := range cfg.RemoteNodes {
		if existing.UniqueID == identity.UniqueID {
			return nil
		}
	}
	cfg.RemoteNodes = append(cfg.RemoteNodes, identity)
	return cfgStore.Save(cfg)
}

func listTokens(dataDir string) ([]types.JoinToken, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListJoinTokens()
}
