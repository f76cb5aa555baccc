// Package gormstore implements core.Store over GORM, targeting SQLite and
// PostgreSQL.
package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smartpick/engine/internal/core"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectOffer       = "offer"
	errorSubjectReservation = "reservation"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorSubjectPenalty     = "penalty"
	errorSubjectAttempt     = "attempt"
	errorSubjectMutation    = "mutation"
	errorCodeInsert         = "insert"
	errorCodeGet            = "get"
	errorCodeList           = "list"
	errorCodeCount          = "count"
	errorCodeUpdate         = "update"
	errorCodeDelete         = "delete"
	errorCodeSum            = "sum"
)

// Store implements core.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every engine table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore core.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Offers.

func (store *Store) InsertOffer(ctx context.Context, offer core.Offer) error {
	model := offerModel(offer)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOffer, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetOffer(ctx context.Context, offerID string) (core.Offer, error) {
	return store.getOffer(ctx, offerID, false)
}

func (store *Store) GetOfferForUpdate(ctx context.Context, offerID string) (core.Offer, error) {
	return store.getOffer(ctx, offerID, true)
}

func (store *Store) getOffer(ctx context.Context, offerID string, forUpdate bool) (core.Offer, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Offer
	err := query.Where("offer_id = ?", offerID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.Offer{}, wrapStoreError(errorSubjectOffer, errorCodeGet, core.ErrOfferNotFound)
		}
		return core.Offer{}, wrapStoreError(errorSubjectOffer, errorCodeGet, err)
	}
	return mapOffer(model), nil
}

func (store *Store) UpdateOfferQuantity(ctx context.Context, offerID string, quantityAvailable int, status core.OfferStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Offer{}).
		Where("offer_id = ?", offerID).
		Updates(map[string]any{
			"quantity_available": quantityAvailable,
			"status":             string(status),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOffer, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOffer, errorCodeUpdate, core.ErrOfferNotFound)
	}
	return nil
}

func (store *Store) ListActiveOffers(ctx context.Context, nowUnixUTC int64, limit int) ([]core.Offer, error) {
	var rows []Offer
	err := store.db.WithContext(ctx).
		Where("status = ? AND pickup_end_at > ?", string(core.OfferStatusActive), nowUnixUTC).
		Order("pickup_end_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOffer, errorCodeList, err)
	}
	offers := make([]core.Offer, 0, len(rows))
	for _, row := range rows {
		offers = append(offers, mapOffer(row))
	}
	return offers, nil
}

// Reservations.

func (store *Store) InsertReservation(ctx context.Context, reservation core.Reservation) error {
	model := reservationModel(reservation)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeInsert, core.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (core.Reservation, error) {
	return store.getReservation(ctx, "reservation_id = ?", reservationID, false)
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID string) (core.Reservation, error) {
	return store.getReservation(ctx, "reservation_id = ?", reservationID, true)
}

func (store *Store) GetReservationByCodeForUpdate(ctx context.Context, qrCode string) (core.Reservation, error) {
	return store.getReservation(ctx, "qr_code = ?", qrCode, true)
}

func (store *Store) getReservation(ctx context.Context, condition string, argument string, forUpdate bool) (core.Reservation, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Reservation
	err := query.Where(condition, argument).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, core.ErrReservationNotFound)
		}
		return core.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model), nil
}

func (store *Store) CountActiveReservations(ctx context.Context, customerID string, nowUnixUTC int64) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("customer_id = ? AND status = ? AND expires_at > ?",
			customerID, string(core.ReservationStatusActive), nowUnixUTC).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to core.ReservationStatus, pickedUpAtUnixUTC int64) error {
	updates := map[string]any{"status": string(to)}
	if pickedUpAtUnixUTC != 0 {
		updates["picked_up_at"] = pickedUpAtUnixUTC
	}
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, core.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListExpiredActiveReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]core.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(core.ReservationStatusActive), nowUnixUTC).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]core.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, mapReservation(row))
	}
	return reservations, nil
}

func (store *Store) ListCustomerReservations(ctx context.Context, customerID string, limit int) ([]core.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]core.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, mapReservation(row))
	}
	return reservations, nil
}

func (store *Store) DeleteReservationHistory(ctx context.Context, customerID string, beforeUnixUTC int64) (int64, error) {
	terminal := []string{
		string(core.ReservationStatusPickedUp),
		string(core.ReservationStatusCancelled),
		string(core.ReservationStatusExpired),
	}
	query := store.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", terminal, beforeUnixUTC)
	if customerID != "" {
		query = query.Where("customer_id = ?", customerID)
	}
	result := query.Delete(&Reservation{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

// Points.

func (store *Store) GetOrCreatePointsAccount(ctx context.Context, userID string) (core.PointsAccount, error) {
	var model PointsAccount
	err := store.db.WithContext(ctx).
		Where(PointsAccount{UserID: userID}).
		FirstOrCreate(&model).Error
	if err != nil {
		return core.PointsAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapPointsAccount(model), nil
}

func (store *Store) GetPointsAccountForUpdate(ctx context.Context, userID string) (core.PointsAccount, error) {
	var model PointsAccount
	lockedTake := func() error {
		return store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&model).Error
	}
	err := lockedTake()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First touch: create the row, then re-read it under lock so the
		// caller holds the same lock as every other mutation. Losing a
		// concurrent create race on the user_id unique index still leaves
		// a row for the re-read.
		created := PointsAccount{}
		createErr := store.db.WithContext(ctx).
			Where(PointsAccount{UserID: userID}).
			FirstOrCreate(&created).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return core.PointsAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInsert, createErr)
		}
		err = lockedTake()
	}
	if err != nil {
		return core.PointsAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapPointsAccount(model), nil
}

func (store *Store) UpdatePointsBalance(ctx context.Context, accountID string, balance core.Points, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&PointsAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"balance":    balance.Int64(),
			"updated_at": updatedUnixUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, core.ErrUserNotFound)
	}
	return nil
}

func (store *Store) InsertPointsTransaction(ctx context.Context, transaction core.PointsTransaction) error {
	model := PointsTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Change:        transaction.Change.Int64(),
		Reason:        string(transaction.Reason),
		ReservationID: transaction.ReservationID,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     transaction.CreatedUnixUTC,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumPointsChanges(ctx context.Context, userID string) (core.Points, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointsTransaction{}).
		Select("coalesce(sum(change),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return core.Points(sum.Total), nil
}

func (store *Store) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]core.PointsTransaction, error) {
	var rows []PointsTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]core.PointsTransaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapPointsTransaction(row))
	}
	return transactions, nil
}

func (store *Store) GetReservationDebit(ctx context.Context, reservationID string) (core.Points, bool, error) {
	var model PointsTransaction
	err := store.db.WithContext(ctx).
		Where("reservation_id = ? AND reason = ? AND change < 0",
			reservationID, string(core.ReasonReservationHold)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return core.Points(-model.Change), true, nil
}

func (store *Store) RefundExists(ctx context.Context, reservationID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PointsTransaction{}).
		Where("reservation_id = ? AND reason = ?", reservationID, string(core.ReasonRefund)).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count > 0, nil
}

// Users.

func (store *Store) GetOrCreateUser(ctx context.Context, userID string) (core.User, error) {
	var model User
	err := store.db.WithContext(ctx).
		Where(User{UserID: userID}).
		Attrs(User{
			Status:                 string(core.UserStatusActive),
			MaxReservationQuantity: core.DefaultMaxReservationQuantity,
		}).
		FirstOrCreate(&model).Error
	if err != nil {
		return core.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

func (store *Store) SetUserStatus(ctx context.Context, userID string, status core.UserStatus) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("status", string(status))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, core.ErrUserNotFound)
	}
	return nil
}

func (store *Store) SetUserMaxReservationQuantity(ctx context.Context, userID string, maxQuantity int) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("max_reservation_quantity", maxQuantity)
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, core.ErrUserNotFound)
	}
	return nil
}

// Penalties.

func (store *Store) GetPenalty(ctx context.Context, userID string) (core.PenaltyRecord, bool, error) {
	return store.getPenalty(ctx, "user_id = ?", userID, false)
}

func (store *Store) GetPenaltyByID(ctx context.Context, penaltyID string) (core.PenaltyRecord, bool, error) {
	return store.getPenalty(ctx, "penalty_id = ?", penaltyID, false)
}

func (store *Store) GetPenaltyForUpdate(ctx context.Context, userID string) (core.PenaltyRecord, bool, error) {
	return store.getPenalty(ctx, "user_id = ?", userID, true)
}

func (store *Store) getPenalty(ctx context.Context, condition string, argument string, forUpdate bool) (core.PenaltyRecord, bool, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Penalty
	err := query.Where(condition, argument).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.PenaltyRecord{}, false, nil
	}
	if err != nil {
		return core.PenaltyRecord{}, false, wrapStoreError(errorSubjectPenalty, errorCodeGet, err)
	}
	return mapPenalty(model), true, nil
}

func (store *Store) UpsertPenalty(ctx context.Context, record core.PenaltyRecord) error {
	model := penaltyModel(record)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPenalty, errorCodeUpdate, err)
	}
	return nil
}

// Rate-limit attempts.

func (store *Store) InsertRateLimitAttempt(ctx context.Context, attempt core.RateLimitAttempt) error {
	model := RateLimitAttempt{
		AttemptID:  attempt.AttemptID,
		Key:        attempt.Key,
		Action:     attempt.Action,
		Identifier: attempt.Identifier,
		CreatedAt:  attempt.CreatedUnixUTC,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAttempt, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountRateLimitAttempts(ctx context.Context, key string, sinceUnixUTC int64) (int, int64, error) {
	var aggregate struct {
		Total  int64
		Oldest int64
	}
	err := store.db.WithContext(ctx).
		Model(&RateLimitAttempt{}).
		Select("count(*) as total, coalesce(min(created_at),0) as oldest").
		Where("attempt_key = ? AND created_at > ?", key, sinceUnixUTC).
		Scan(&aggregate).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectAttempt, errorCodeCount, err)
	}
	return int(aggregate.Total), aggregate.Oldest, nil
}

func (store *Store) PruneRateLimitAttempts(ctx context.Context, beforeUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("created_at < ?", beforeUnixUTC).
		Delete(&RateLimitAttempt{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAttempt, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

// Offline mutation queue.

func (store *Store) InsertQueuedMutation(ctx context.Context, mutation core.QueuedMutation) error {
	model := QueuedMutation{
		MutationID: mutation.MutationID,
		Type:       string(mutation.Type),
		Payload:    datatypesJSON(mutation.PayloadJSON),
		Retries:    mutation.Retries,
		MaxRetries: mutation.MaxRetries,
		LastError:  mutation.LastError,
		EnqueuedAt: mutation.EnqueuedUnixUTC,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectMutation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListQueuedMutations(ctx context.Context, limit int) ([]core.QueuedMutation, error) {
	var rows []QueuedMutation
	err := store.db.WithContext(ctx).
		Order("enqueued_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMutation, errorCodeList, err)
	}
	mutations := make([]core.QueuedMutation, 0, len(rows))
	for _, row := range rows {
		mutations = append(mutations, core.QueuedMutation{
			MutationID:      row.MutationID,
			Type:            core.MutationType(row.Type),
			PayloadJSON:     string(row.Payload),
			Retries:         row.Retries,
			MaxRetries:      row.MaxRetries,
			LastError:       row.LastError,
			EnqueuedUnixUTC: row.EnqueuedAt,
		})
	}
	return mutations, nil
}

func (store *Store) UpdateQueuedMutationRetries(ctx context.Context, mutationID string, retries int, lastError string) error {
	result := store.db.WithContext(ctx).
		Model(&QueuedMutation{}).
		Where("mutation_id = ?", mutationID).
		Updates(map[string]any{
			"retries":    retries,
			"last_error": lastError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectMutation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMutation, errorCodeUpdate, core.ErrMutationNotFound)
	}
	return nil
}

func (store *Store) DeleteQueuedMutation(ctx context.Context, mutationID string) error {
	result := store.db.WithContext(ctx).
		Where("mutation_id = ?", mutationID).
		Delete(&QueuedMutation{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectMutation, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMutation, errorCodeDelete, core.ErrMutationNotFound)
	}
	return nil
}

// Mapping helpers.

func offerModel(offer core.Offer) Offer {
	return Offer{
		OfferID:            offer.OfferID,
		PartnerID:          offer.PartnerID,
		Title:              offer.Title,
		QuantityTotal:      offer.QuantityTotal,
		QuantityAvailable:  offer.QuantityAvailable,
		PriceOriginalCents: offer.PriceOriginalCents,
		PriceSmartCents:    offer.PriceSmartCents,
		PickupStartAt:      offer.PickupStartUnixUTC,
		PickupEndAt:        offer.PickupEndUnixUTC,
		Status:             string(offer.Status),
		CreatedAt:          offer.CreatedUnixUTC,
	}
}

func mapOffer(model Offer) core.Offer {
	return core.Offer{
		OfferID:            model.OfferID,
		PartnerID:          model.PartnerID,
		Title:              model.Title,
		QuantityTotal:      model.QuantityTotal,
		QuantityAvailable:  model.QuantityAvailable,
		PriceOriginalCents: model.PriceOriginalCents,
		PriceSmartCents:    model.PriceSmartCents,
		PickupStartUnixUTC: model.PickupStartAt,
		PickupEndUnixUTC:   model.PickupEndAt,
		Status:             core.OfferStatus(model.Status),
		CreatedUnixUTC:     model.CreatedAt,
	}
}

func reservationModel(reservation core.Reservation) Reservation {
	return Reservation{
		ReservationID: reservation.ReservationID,
		OfferID:       reservation.OfferID,
		CustomerID:    reservation.CustomerID,
		PartnerID:     reservation.PartnerID,
		Quantity:      reservation.Quantity,
		QRCode:        reservation.QRCode,
		TotalPoints:   reservation.TotalPoints.Int64(),
		Status:        string(reservation.Status),
		ExpiresAt:     reservation.ExpiresAtUnixUTC,
		PickedUpAt:    reservation.PickedUpAtUnixUTC,
		CreatedAt:     reservation.CreatedUnixUTC,
	}
}

func mapReservation(model Reservation) core.Reservation {
	return core.Reservation{
		ReservationID:     model.ReservationID,
		OfferID:           model.OfferID,
		CustomerID:        model.CustomerID,
		PartnerID:         model.PartnerID,
		Quantity:          model.Quantity,
		QRCode:            model.QRCode,
		TotalPoints:       core.Points(model.TotalPoints),
		Status:            core.ReservationStatus(model.Status),
		ExpiresAtUnixUTC:  model.ExpiresAt,
		PickedUpAtUnixUTC: model.PickedUpAt,
		CreatedUnixUTC:    model.CreatedAt,
	}
}

func mapPointsAccount(model PointsAccount) core.PointsAccount {
	return core.PointsAccount{
		AccountID:      model.AccountID,
		UserID:         model.UserID,
		Balance:        core.Points(model.Balance),
		UpdatedUnixUTC: model.UpdatedAt,
	}
}

func mapPointsTransaction(model PointsTransaction) core.PointsTransaction {
	return core.PointsTransaction{
		TransactionID:  model.TransactionID,
		UserID:         model.UserID,
		Change:         core.Points(model.Change),
		Reason:         core.Reason(model.Reason),
		ReservationID:  model.ReservationID,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt,
	}
}

func mapUser(model User) core.User {
	return core.User{
		UserID:                 model.UserID,
		Status:                 core.UserStatus(model.Status),
		MaxReservationQuantity: model.MaxReservationQuantity,
		CreatedUnixUTC:         model.CreatedAt,
	}
}

func penaltyModel(record core.PenaltyRecord) Penalty {
	return Penalty{
		PenaltyID:         record.PenaltyID,
		UserID:            record.UserID,
		ReservationID:     record.ReservationID,
		PartnerID:         record.PartnerID,
		OffenseNumber:     record.OffenseNumber,
		PenaltyType:       string(record.PenaltyType),
		SuspendedUntil:    record.SuspendedUntilUnixUTC,
		CanLiftWithPoints: record.CanLiftWithPoints,
		PointsRequired:    record.PointsRequired.Int64(),
		IsActive:          record.IsActive,
		RequiresReview:    record.RequiresReview,
		LiftedWithPoints:  record.LiftedWithPoints,
		CreatedAt:         record.CreatedUnixUTC,
		UpdatedAt:         record.UpdatedUnixUTC,
	}
}

func mapPenalty(model Penalty) core.PenaltyRecord {
	return core.PenaltyRecord{
		PenaltyID:             model.PenaltyID,
		UserID:                model.UserID,
		ReservationID:         model.ReservationID,
		PartnerID:             model.PartnerID,
		OffenseNumber:         model.OffenseNumber,
		PenaltyType:           core.PenaltyType(model.PenaltyType),
		SuspendedUntilUnixUTC: model.SuspendedUntil,
		CanLiftWithPoints:     model.CanLiftWithPoints,
		PointsRequired:        core.Points(model.PointsRequired),
		IsActive:              model.IsActive,
		RequiresReview:        model.RequiresReview,
		LiftedWithPoints:      model.LiftedWithPoints,
		CreatedUnixUTC:        model.CreatedAt,
		UpdatedUnixUTC:        model.UpdatedAt,
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return core.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
