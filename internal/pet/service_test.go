package pet

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/keystore"
)

const userAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()
	return NewService(store, keystore.NewCipher("test-passphrase"), opts...)
}

func TestCreatePetProvisionsUserAndKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store)

	pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", Name: "Mochi", Breed: "shiba"})
	require.NoError(t, err)
	assert.True(t, pet.Active)
	assert.Equal(t, "0", pet.Balance)
	assert.NotEmpty(t, pet.EncryptedKey)

	user, err := store.GetUserByAddress(ctx, userAddress)
	require.NoError(t, err)
	assert.Equal(t, user.ID, pet.UserID)

	_, err = svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Second"})
	assert.True(t, xerrors.Is(err, xerrors.CodeConflict), "second active pet must conflict, got %v", err)

	_, err = svc.CreatePet(ctx, CreatePetInput{UserAddress: "not-an-address", Name: "x"})
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
}

func TestActiveIdentityDecryptsStoredKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore())

	pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)

	identity, err := svc.ActiveIdentity(ctx, userAddress)
	require.NoError(t, err)
	assert.Equal(t, pet.ID, identity.PetID)
	assert.Equal(t, userAddress, identity.UserAddress)
	assert.Equal(t, pet.WalletAddress, identity.PetAddress)
	assert.Equal(t, pet.WalletAddress, keystore.Address(identity.Key))
}

func TestActiveIdentityGeneratesMissingKeyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store)

	require.NoError(t, store.CreateUser(ctx, &User{ID: "u1", WalletAddress: userAddress}))
	require.NoError(t, store.CreatePet(ctx, &Pet{ID: "p1", UserID: "u1", Name: "Legacy", Balance: "0", Active: true}))

	first, err := svc.ActiveIdentity(ctx, userAddress)
	require.NoError(t, err)
	second, err := svc.ActiveIdentity(ctx, userAddress)
	require.NoError(t, err)
	assert.Equal(t, first.PetAddress, second.PetAddress)

	stored, err := store.GetPet(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.PetAddress, stored.WalletAddress)
}

func TestActiveIdentityNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store)

	_, err := svc.ActiveIdentity(ctx, userAddress)
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound))

	require.NoError(t, store.CreateUser(ctx, &User{ID: "u1", WalletAddress: userAddress}))
	_, err = svc.ActiveIdentity(ctx, userAddress)
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound), "user without active pet should be not found")
}

func TestAdjustBalance(t *testing.T) {
	ctx := context.Background()
	var changes []BalanceChange
	svc := newTestService(t, NewMemoryStore(), WithBalanceObserver(BalanceObserverFunc(func(_ context.Context, c BalanceChange) {
		changes = append(changes, c)
	})))

	pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)

	updated, err := svc.Deposit(ctx, pet.ID, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, "500", updated.Balance)
	assert.Equal(t, int64(1), updated.Version)

	updated, err = svc.AdjustBalance(ctx, pet.ID, big.NewInt(-200))
	require.NoError(t, err)
	assert.Equal(t, "300", updated.Balance)

	_, err = svc.AdjustBalance(ctx, pet.ID, big.NewInt(-301))
	assert.True(t, xerrors.Is(err, xerrors.CodeInsufficientFunds))

	_, err = svc.Deposit(ctx, pet.ID, big.NewInt(0))
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	require.Len(t, changes, 2)
	assert.Equal(t, userAddress, changes[0].UserAddress)
	assert.Equal(t, "500", changes[0].Balance.String())
	assert.Equal(t, "300", changes[1].Balance.String())
}

type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) CompareAndSwapBalance(ctx context.Context, petID string, expectedVersion int64, newBalance string) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "injected")
	}
	s.mu.Unlock()
	return s.MemoryStore.CompareAndSwapBalance(ctx, petID, expectedVersion, newBalance)
}

func TestAdjustBalanceRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: NewMemoryStore()}
	svc := newTestService(t, store, WithCASRetries(3))

	pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)

	store.conflicts = 2
	updated, err := svc.Deposit(ctx, pet.ID, big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, "10", updated.Balance)

	store.conflicts = 3
	_, err = svc.Deposit(ctx, pet.ID, big.NewInt(10))
	assert.True(t, xerrors.Is(err, xerrors.CodeConflict), "exhausted retries should conflict, got %v", err)

	stored, err := store.GetPet(ctx, pet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", stored.Balance)
}

func TestConcurrentDepositsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore(), WithCASRetries(50))
	pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deposit(ctx, pet.ID, big.NewInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := svc.GetPet(ctx, pet.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", stored.Balance)
	assert.Equal(t, int64(10), stored.Version)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)

	pet, err := svc.Deactivate(ctx, userAddress)
	require.NoError(t, err)
	assert.False(t, pet.Active)

	_, err = svc.ActiveIdentity(ctx, userAddress)
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound))

	_, err = svc.Deactivate(ctx, userAddress)
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound))

	// 停用后可以重新领养。
	_, err = svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Again"})
	require.NoError(t, err)
}

func TestCreatePetConcurrentCallsKeepOneActivePet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store)

	const callers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   []*Pet
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pet, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, xerrors.Is(err, xerrors.CodeConflict), "unexpected error %v", err)
				conflicts++
				return
			}
			created = append(created, pet)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, callers-1, conflicts)

	deactivated, err := svc.Deactivate(ctx, userAddress)
	require.NoError(t, err)
	assert.Equal(t, created[0].ID, deactivated.ID)

	_, err = svc.ActiveIdentity(ctx, userAddress)
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound), "no pet may stay active after deactivation, got %v", err)
}

func TestUserByAddressReturnsLatestPet(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore())

	user, err := svc.CreateUser(ctx, CreateUserInput{WalletAddress: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", Username: " mochi-owner "})
	require.NoError(t, err)
	assert.Equal(t, userAddress, user.WalletAddress)
	assert.Equal(t, "mochi-owner", user.Username)

	_, err = svc.CreateUser(ctx, CreateUserInput{WalletAddress: userAddress})
	assert.True(t, xerrors.Is(err, xerrors.CodeConflict), "duplicate address must conflict, got %v", err)

	got, pet, err := svc.UserByAddress(ctx, userAddress)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Nil(t, pet)

	created, err := svc.CreatePet(ctx, CreatePetInput{UserAddress: userAddress, Name: "Mochi"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, created.UserID)
	_, err = svc.Deactivate(ctx, userAddress)
	require.NoError(t, err)

	_, pet, err = svc.UserByAddress(ctx, userAddress)
	require.NoError(t, err)
	require.NotNil(t, pet)
	assert.Equal(t, created.ID, pet.ID)
	assert.False(t, pet.Active)

	_, _, err = svc.UserByAddress(ctx, "0x0000000000000000000000000000000000000001")
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound))
}
