// Package memstore implements core.Store in memory. It backs the unit tests
// and embedded deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/smartpick/engine/internal/core"
)

type state struct {
	offers       map[string]core.Offer
	reservations map[string]core.Reservation
	codeIndex    map[string]string
	accounts     map[string]core.PointsAccount
	transactions []core.PointsTransaction
	users        map[string]core.User
	penalties    map[string]core.PenaltyRecord
	attempts     []core.RateLimitAttempt
	mutations    []core.QueuedMutation
}

// Store keeps all engine state in process memory. Transactions are serialized
// by a single mutex and rolled back by snapshot restore, which gives the same
// all-or-nothing visibility the SQL stores provide. WithTx does not nest.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *state
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: newState()}
}

func newState() *state {
	return &state{
		offers:       make(map[string]core.Offer),
		reservations: make(map[string]core.Reservation),
		codeIndex:    make(map[string]string),
		accounts:     make(map[string]core.PointsAccount),
		users:        make(map[string]core.User),
		penalties:    make(map[string]core.PenaltyRecord),
	}
}

// WithTx runs fn with exclusive access to the store. Any error restores the
// pre-transaction snapshot, so partial writes never leak.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore core.Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.mu.Lock()
	snapshot := store.data.clone()
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.data = snapshot
		store.mu.Unlock()
		return err
	}
	return nil
}

// Offers.

func (store *Store) InsertOffer(ctx context.Context, offer core.Offer) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.offers[offer.OfferID] = offer
	return nil
}

func (store *Store) GetOffer(ctx context.Context, offerID string) (core.Offer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	offer, found := store.data.offers[offerID]
	if !found {
		return core.Offer{}, core.ErrOfferNotFound
	}
	return offer, nil
}

func (store *Store) GetOfferForUpdate(ctx context.Context, offerID string) (core.Offer, error) {
	return store.GetOffer(ctx, offerID)
}

func (store *Store) UpdateOfferQuantity(ctx context.Context, offerID string, quantityAvailable int, status core.OfferStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	offer, found := store.data.offers[offerID]
	if !found {
		return core.ErrOfferNotFound
	}
	offer.QuantityAvailable = quantityAvailable
	offer.Status = status
	store.data.offers[offerID] = offer
	return nil
}

func (store *Store) ListActiveOffers(ctx context.Context, nowUnixUTC int64, limit int) ([]core.Offer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var offers []core.Offer
	for _, offer := range store.data.offers {
		if offer.Status == core.OfferStatusActive && offer.PickupEndUnixUTC > nowUnixUTC {
			offers = append(offers, offer)
		}
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].PickupEndUnixUTC < offers[j].PickupEndUnixUTC
	})
	return truncate(offers, limit), nil
}

// Reservations.

func (store *Store) InsertReservation(ctx context.Context, reservation core.Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, taken := store.data.codeIndex[reservation.QRCode]; taken {
		return core.ErrDuplicateCode
	}
	store.data.reservations[reservation.ReservationID] = reservation
	store.data.codeIndex[reservation.QRCode] = reservation.ReservationID
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (core.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, found := store.data.reservations[reservationID]
	if !found {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return reservation, nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID string) (core.Reservation, error) {
	return store.GetReservation(ctx, reservationID)
}

func (store *Store) GetReservationByCodeForUpdate(ctx context.Context, qrCode string) (core.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservationID, found := store.data.codeIndex[qrCode]
	if !found {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return store.data.reservations[reservationID], nil
}

func (store *Store) CountActiveReservations(ctx context.Context, customerID string, nowUnixUTC int64) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, reservation := range store.data.reservations {
		if reservation.CustomerID == customerID &&
			reservation.Status == core.ReservationStatusActive &&
			reservation.ExpiresAtUnixUTC > nowUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to core.ReservationStatus, pickedUpAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, found := store.data.reservations[reservationID]
	if !found {
		return core.ErrReservationNotFound
	}
	if reservation.Status != from {
		return core.ErrReservationClosed
	}
	reservation.Status = to
	if pickedUpAtUnixUTC != 0 {
		reservation.PickedUpAtUnixUTC = pickedUpAtUnixUTC
	}
	store.data.reservations[reservationID] = reservation
	return nil
}

func (store *Store) ListExpiredActiveReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]core.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var due []core.Reservation
	for _, reservation := range store.data.reservations {
		if reservation.Status == core.ReservationStatusActive && reservation.ExpiresAtUnixUTC <= nowUnixUTC {
			due = append(due, reservation)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ExpiresAtUnixUTC < due[j].ExpiresAtUnixUTC
	})
	return truncate(due, limit), nil
}

func (store *Store) ListCustomerReservations(ctx context.Context, customerID string, limit int) ([]core.Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var owned []core.Reservation
	for _, reservation := range store.data.reservations {
		if reservation.CustomerID == customerID {
			owned = append(owned, reservation)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedUnixUTC > owned[j].CreatedUnixUTC
	})
	return truncate(owned, limit), nil
}

func (store *Store) DeleteReservationHistory(ctx context.Context, customerID string, beforeUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var deleted int64
	for id, reservation := range store.data.reservations {
		if customerID != "" && reservation.CustomerID != customerID {
			continue
		}
		if !reservation.Status.Terminal() || reservation.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		delete(store.data.reservations, id)
		delete(store.data.codeIndex, reservation.QRCode)
		deleted++
	}
	return deleted, nil
}

// Points.

func (store *Store) GetOrCreatePointsAccount(ctx context.Context, userID string) (core.PointsAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if account, found := store.data.accounts[userID]; found {
		return account, nil
	}
	account := core.PointsAccount{AccountID: uuid.NewString(), UserID: userID}
	store.data.accounts[userID] = account
	return account, nil
}

func (store *Store) GetPointsAccountForUpdate(ctx context.Context, userID string) (core.PointsAccount, error) {
	return store.GetOrCreatePointsAccount(ctx, userID)
}

func (store *Store) UpdatePointsBalance(ctx context.Context, accountID string, balance core.Points, updatedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for userID, account := range store.data.accounts {
		if account.AccountID == accountID {
			account.Balance = balance
			account.UpdatedUnixUTC = updatedUnixUTC
			store.data.accounts[userID] = account
			return nil
		}
	}
	return core.ErrUserNotFound
}

func (store *Store) InsertPointsTransaction(ctx context.Context, transaction core.PointsTransaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.transactions = append(store.data.transactions, transaction)
	return nil
}

func (store *Store) SumPointsChanges(ctx context.Context, userID string) (core.Points, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum core.Points
	for _, transaction := range store.data.transactions {
		if transaction.UserID == userID {
			sum += transaction.Change
		}
	}
	return sum, nil
}

func (store *Store) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]core.PointsTransaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var owned []core.PointsTransaction
	for _, transaction := range store.data.transactions {
		if transaction.UserID == userID {
			owned = append(owned, transaction)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].CreatedUnixUTC > owned[j].CreatedUnixUTC
	})
	return truncate(owned, limit), nil
}

func (store *Store) GetReservationDebit(ctx context.Context, reservationID string) (core.Points, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.data.transactions {
		if transaction.ReservationID == reservationID &&
			transaction.Reason == core.ReasonReservationHold &&
			transaction.Change < 0 {
			return -transaction.Change, true, nil
		}
	}
	return 0, false, nil
}

func (store *Store) RefundExists(ctx context.Context, reservationID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.data.transactions {
		if transaction.ReservationID == reservationID && transaction.Reason == core.ReasonRefund {
			return true, nil
		}
	}
	return false, nil
}

// Users.

func (store *Store) GetOrCreateUser(ctx context.Context, userID string) (core.User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if user, found := store.data.users[userID]; found {
		return user, nil
	}
	user := core.User{
		UserID:                 userID,
		Status:                 core.UserStatusActive,
		MaxReservationQuantity: core.DefaultMaxReservationQuantity,
	}
	store.data.users[userID] = user
	return user, nil
}

func (store *Store) SetUserStatus(ctx context.Context, userID string, status core.UserStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, found := store.data.users[userID]
	if !found {
		return core.ErrUserNotFound
	}
	user.Status = status
	store.data.users[userID] = user
	return nil
}

func (store *Store) SetUserMaxReservationQuantity(ctx context.Context, userID string, maxQuantity int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	user, found := store.data.users[userID]
	if !found {
		return core.ErrUserNotFound
	}
	user.MaxReservationQuantity = maxQuantity
	store.data.users[userID] = user
	return nil
}

// Penalties.

func (store *Store) GetPenalty(ctx context.Context, userID string) (core.PenaltyRecord, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, found := store.data.penalties[userID]
	return record, found, nil
}

func (store *Store) GetPenaltyByID(ctx context.Context, penaltyID string) (core.PenaltyRecord, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range store.data.penalties {
		if record.PenaltyID == penaltyID {
			return record, true, nil
		}
	}
	return core.PenaltyRecord{}, false, nil
}

func (store *Store) GetPenaltyForUpdate(ctx context.Context, userID string) (core.PenaltyRecord, bool, error) {
	return store.GetPenalty(ctx, userID)
}

func (store *Store) UpsertPenalty(ctx context.Context, record core.PenaltyRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.penalties[record.UserID] = record
	return nil
}

// Rate-limit attempts.

func (store *Store) InsertRateLimitAttempt(ctx context.Context, attempt core.RateLimitAttempt) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.attempts = append(store.data.attempts, attempt)
	return nil
}

func (store *Store) CountRateLimitAttempts(ctx context.Context, key string, sinceUnixUTC int64) (int, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	var oldest int64
	for _, attempt := range store.data.attempts {
		if attempt.Key != key || attempt.CreatedUnixUTC <= sinceUnixUTC {
			continue
		}
		count++
		if oldest == 0 || attempt.CreatedUnixUTC < oldest {
			oldest = attempt.CreatedUnixUTC
		}
	}
	return count, oldest, nil
}

func (store *Store) PruneRateLimitAttempts(ctx context.Context, beforeUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	kept := store.data.attempts[:0]
	var pruned int64
	for _, attempt := range store.data.attempts {
		if attempt.CreatedUnixUTC < beforeUnixUTC {
			pruned++
			continue
		}
		kept = append(kept, attempt)
	}
	store.data.attempts = kept
	return pruned, nil
}

// Offline mutation queue.

func (store *Store) InsertQueuedMutation(ctx context.Context, mutation core.QueuedMutation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.mutations = append(store.data.mutations, mutation)
	return nil
}

func (store *Store) ListQueuedMutations(ctx context.Context, limit int) ([]core.QueuedMutation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]core.QueuedMutation, len(store.data.mutations))
	copy(listed, store.data.mutations)
	return truncate(listed, limit), nil
}

func (store *Store) UpdateQueuedMutationRetries(ctx context.Context, mutationID string, retries int, lastError string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for index, mutation := range store.data.mutations {
		if mutation.MutationID == mutationID {
			mutation.Retries = retries
			mutation.LastError = lastError
			store.data.mutations[index] = mutation
			return nil
		}
	}
	return core.ErrMutationNotFound
}

func (store *Store) DeleteQueuedMutation(ctx context.Context, mutationID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for index, mutation := range store.data.mutations {
		if mutation.MutationID == mutationID {
			store.data.mutations = append(store.data.mutations[:index], store.data.mutations[index+1:]...)
			return nil
		}
	}
	return core.ErrMutationNotFound
}

func (original *state) clone() *state {
	copied := &state{
		offers:       make(map[string]core.Offer, len(original.offers)),
		reservations: make(map[string]core.Reservation, len(original.reservations)),
		codeIndex:    make(map[string]string, len(original.codeIndex)),
		accounts:     make(map[string]core.PointsAccount, len(original.accounts)),
		users:        make(map[string]core.User, len(original.users)),
		penalties:    make(map[string]core.PenaltyRecord, len(original.penalties)),
		transactions: append([]core.PointsTransaction(nil), original.transactions...),
		attempts:     append([]core.RateLimitAttempt(nil), original.attempts...),
		mutations:    append([]core.QueuedMutation(nil), original.mutations...),
	}
	for key, value := range original.offers {
		copied.offers[key] = value
	}
	for key, value := range original.reservations {
		copied.reservations[key] = value
	}
	for key, value := range original.codeIndex {
		copied.codeIndex[key] = value
	}
	for key, value := range original.accounts {
		copied.accounts[key] = value
	}
	for key, value := range original.users {
		copied.users[key] = value
	}
	for key, value := range original.penalties {
		copied.penalties[key] = value
	}
	return copied
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
