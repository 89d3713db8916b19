package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/types"
	"loopvault/native/vault"
)

var (
	keyVaultState   = []byte("vault/state")
	keyLoopPosition = []byte("vault/position")
	accountPrefix   = "vault/account/"
)

// VaultStore persists the vault engine's state records as JSON documents in a
// Database. It implements the engine's persistence surface; missing records
// read back as nil and the engine supplies defaults.
type VaultStore struct {
	db Database
}

func NewVaultStore(db Database) *VaultStore {
	return &VaultStore{db: db}
}

func (s *VaultStore) GetVault() (*vault.VaultState, error) {
	record := new(vault.VaultState)
	ok, err := s.read(keyVaultState, record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (s *VaultStore) PutVault(v *vault.VaultState) error {
	return s.write(keyVaultState, v)
}

func (s *VaultStore) GetPosition() (*vault.LoopPosition, error) {
	record := new(vault.LoopPosition)
	ok, err := s.read(keyLoopPosition, record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (s *VaultStore) PutPosition(p *vault.LoopPosition) error {
	return s.write(keyLoopPosition, p)
}

func (s *VaultStore) GetAccount(addr common.Address) (*types.Account, error) {
	record := new(types.Account)
	ok, err := s.read(accountKey(addr), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (s *VaultStore) PutAccount(addr common.Address, account *types.Account) error {
	return s.write(accountKey(addr), account)
}

func accountKey(addr common.Address) []byte {
	return []byte(accountPrefix + addr.Hex())
}

func (s *VaultStore) read(key []byte, out any) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *VaultStore) write(key []byte, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.db.Put(key, data)
}
