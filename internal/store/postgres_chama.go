package store

import (
	"context"
	"fmt"

	"github.com/chamalink/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const chamaColumns = `id, name, description, invite_code, creator_id, contract_address, deploy_tx_ref,
	status, member_count, total_deposits, created_at, updated_at`

const membershipColumns = `id, chama_id, user_id, role, status, total_contributions, join_tx_ref, joined_at`

func scanChama(row rowScanner) (*domain.Chama, error) {
	var c domain.Chama
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&c.InviteCode,
		&c.CreatorID,
		&c.ContractAddress,
		&c.DeployTxRef,
		&c.Status,
		&c.MemberCount,
		&c.TotalDeposits,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMembership(row rowScanner) (*domain.Membership, error) {
	var m domain.Membership
	err := row.Scan(&m.ID, &m.ChamaID, &m.UserID, &m.Role, &m.Status, &m.TotalContributions, &m.JoinTxRef, &m.JoinedAt)
	if err != nil {
		return nil, err
	}
	m.Shares = map[domain.Token]decimal.Decimal{}
	return &m, nil
}

// InviteCodeExists reports whether a chama already holds the code.
func (r *PostgresRepository) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chamas WHERE invite_code = $1)`, code).Scan(&exists)
	return exists, err
}

// CreateChamaWithAdmin persists a deployed chama together with its creator's admin
// membership. An invite code collision returns ErrInviteCodeTaken.
func (r *PostgresRepository) CreateChamaWithAdmin(ctx context.Context, chama *domain.Chama, admin *domain.Membership) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO chamas (id, name, description, invite_code, creator_id, contract_address, deploy_tx_ref, status, member_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING member_count, total_deposits, created_at, updated_at
	`,
		chama.ID, chama.Name, chama.Description, chama.InviteCode, chama.CreatorID,
		chama.ContractAddress, chama.DeployTxRef, string(chama.Status),
	).Scan(&chama.MemberCount, &chama.TotalDeposits, &chama.CreatedAt, &chama.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "chamas_invite_code_key") {
			return ErrInviteCodeTaken
		}
		return fmt.Errorf("insert chama: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO chama_memberships (id, chama_id, user_id, role, status, join_tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING total_contributions, joined_at
	`, admin.ID, admin.ChamaID, admin.UserID, string(admin.Role), string(admin.Status), admin.JoinTxRef,
	).Scan(&admin.TotalContributions, &admin.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert admin membership: %w", err)
	}

	return tx.Commit(ctx)
}

// FindChamaByID returns a chama in any status.
func (r *PostgresRepository) FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	c, err := scanChama(r.db.QueryRow(ctx, `SELECT `+chamaColumns+` FROM chamas WHERE id = $1`, chamaID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChamaNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindChamaByInviteCode returns a chama in any status.
func (r *PostgresRepository) FindChamaByInviteCode(ctx context.Context, code string) (*domain.Chama, error) {
	c, err := scanChama(r.db.QueryRow(ctx, `SELECT `+chamaColumns+` FROM chamas WHERE invite_code = $1`, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChamaNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListChamasByUser lists chamas where the user holds an active membership.
func (r *PostgresRepository) ListChamasByUser(ctx context.Context, userID uuid.UUID) ([]domain.Chama, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.name, c.description, c.invite_code, c.creator_id, c.contract_address, c.deploy_tx_ref,
			c.status, c.member_count, c.total_deposits, c.created_at, c.updated_at
		FROM chamas c
		JOIN chama_memberships m ON m.chama_id = c.id
		WHERE m.user_id = $1 AND m.status = 'active'
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chamas []domain.Chama
	for rows.Next() {
		c, err := scanChama(rows)
		if err != nil {
			return nil, err
		}
		chamas = append(chamas, *c)
	}
	return chamas, rows.Err()
}

// FindActiveMembership returns the active membership with its per-token shares.
func (r *PostgresRepository) FindActiveMembership(ctx context.Context, chamaID, userID uuid.UUID) (*domain.Membership, error) {
	m, err := scanMembership(r.db.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM chama_memberships
		WHERE chama_id = $1 AND user_id = $2 AND status = 'active'
	`, chamaID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT token, amount FROM membership_shares WHERE chama_id = $1 AND user_id = $2
	`, chamaID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var token domain.Token
		var amount decimal.Decimal
		if err := rows.Scan(&token, &amount); err != nil {
			return nil, err
		}
		m.Shares[token] = amount
	}
	return m, rows.Err()
}

// AddMember inserts an active membership and bumps member_count in one transaction.
// The chama must be active; a second active membership returns ErrAlreadyMember.
func (r *PostgresRepository) AddMember(ctx context.Context, membership *domain.Membership) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM chamas WHERE id = $1 FOR UPDATE`, membership.ChamaID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrChamaNotFound
		}
		return err
	}
	if domain.ChamaStatus(status) != domain.ChamaStatusActive {
		return ErrChamaNotFound
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO chama_memberships (id, chama_id, user_id, role, status, join_tx_ref)
		VALUES ($1, $2, $3, $4, 'active', $5)
		RETURNING total_contributions, joined_at
	`, membership.ID, membership.ChamaID, membership.UserID, string(membership.Role), membership.JoinTxRef,
	).Scan(&membership.TotalContributions, &membership.JoinedAt)
	if err != nil {
		if isUniqueViolation(err, "chama_memberships_active_key") {
			return ErrAlreadyMember
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	membership.Status = domain.MembershipActive

	if _, err := tx.Exec(ctx, `
		UPDATE chamas SET member_count = member_count + 1, updated_at = NOW() WHERE id = $1
	`, membership.ChamaID); err != nil {
		return fmt.Errorf("bump member count: %w", err)
	}

	return tx.Commit(ctx)
}

// ListActiveMembers lists active memberships ordered by join time. Shares are not loaded.
func (r *PostgresRepository) ListActiveMembers(ctx context.Context, chamaID uuid.UUID) ([]domain.Membership, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+membershipColumns+`
		FROM chama_memberships
		WHERE chama_id = $1 AND status = 'active'
		ORDER BY joined_at
	`, chamaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// CountActiveMembers counts active memberships.
func (r *PostgresRepository) CountActiveMembers(ctx context.Context, chamaID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM chama_memberships WHERE chama_id = $1 AND status = 'active'
	`, chamaID).Scan(&count)
	return count, err
}

// GetPoolBalance returns the pooled amount of one token held by a chama.
func (r *PostgresRepository) GetPoolBalance(ctx context.Context, chamaID uuid.UUID, token domain.Token) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT amount FROM chama_pool_balances WHERE chama_id = $1 AND token = $2
	`, chamaID, string(token)).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return amount, nil
}

// RecordDeposit appends a confirmed deposit and updates the member's totals, the
// member's token share, the pool and the chama total in one transaction.
func (r *PostgresRepository) RecordDeposit(ctx context.Context, deposit *domain.Deposit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO chama_deposits (id, chama_id, member_id, token, amount_crypto, amount_usd, tx_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`,
		deposit.ID, deposit.ChamaID, deposit.MemberID, string(deposit.Token),
		deposit.AmountCrypto, deposit.AmountUSD, deposit.TxRef, string(deposit.Status),
	).Scan(&deposit.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "chama_deposits_tx_ref_key") {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("insert deposit: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE chama_memberships
		SET total_contributions = total_contributions + $3, updated_at = NOW()
		WHERE chama_id = $1 AND user_id = $2 AND status = 'active'
	`, deposit.ChamaID, deposit.MemberID, deposit.AmountUSD)
	if err != nil {
		return fmt.Errorf("update membership totals: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrMembershipNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO membership_shares (chama_id, user_id, token, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chama_id, user_id, token)
		DO UPDATE SET amount = membership_shares.amount + EXCLUDED.amount, updated_at = NOW()
	`, deposit.ChamaID, deposit.MemberID, string(deposit.Token), deposit.AmountCrypto); err != nil {
		return fmt.Errorf("update member share: %w", err)
	}

	if err := creditPool(ctx, tx, deposit.ChamaID, deposit.Token, deposit.AmountCrypto); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chamas SET total_deposits = total_deposits + $2, updated_at = NOW() WHERE id = $1
	`, deposit.ChamaID, deposit.AmountUSD); err != nil {
		return fmt.Errorf("update chama totals: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDeposits returns the most recent deposits of a chama.
func (r *PostgresRepository) ListDeposits(ctx context.Context, chamaID uuid.UUID, limit int) ([]domain.Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, chama_id, member_id, token, amount_crypto, amount_usd, tx_ref, status, created_at
		FROM chama_deposits
		WHERE chama_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, chamaID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		var d domain.Deposit
		if err := rows.Scan(&d.ID, &d.ChamaID, &d.MemberID, &d.Token, &d.AmountCrypto, &d.AmountUSD, &d.TxRef, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// RecordShareWithdrawal moves amount from the member's share back to their wallet
// balance. The share and pool decrements are both conditional; ErrInsufficientShare
// or ErrInsufficientPool leaves everything unchanged.
func (r *PostgresRepository) RecordShareWithdrawal(ctx context.Context, chamaID, userID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE membership_shares
		SET amount = amount - $4, updated_at = NOW()
		WHERE chama_id = $1 AND user_id = $2 AND token = $3 AND amount >= $4
	`, chamaID, userID, string(token), amount)
	if err != nil {
		return fmt.Errorf("decrement member share: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientShare
	}

	if err := debitPool(ctx, tx, chamaID, token, amount); err != nil {
		return err
	}
	if err := incrementBalance(ctx, tx, userID, token, amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func creditPool(ctx context.Context, q execer, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		INSERT INTO chama_pool_balances (chama_id, token, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (chama_id, token)
		DO UPDATE SET amount = chama_pool_balances.amount + EXCLUDED.amount, updated_at = NOW()
	`, chamaID, string(token), amount)
	if err != nil {
		return fmt.Errorf("credit pool balance: %w", err)
	}
	return nil
}

// debitPool takes amount out of the chama pool only if the pool holds at least
// that much. Funds out on loan are not in the pool.
func debitPool(ctx context.Context, q execer, chamaID uuid.UUID, token domain.Token, amount decimal.Decimal) error {
	result, err := q.Exec(ctx, `
		UPDATE chama_pool_balances
		SET amount = amount - $3, updated_at = NOW()
		WHERE chama_id = $1 AND token = $2 AND amount >= $3
	`, chamaID, string(token), amount)
	if err != nil {
		return fmt.Errorf("debit pool balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientPool
	}
	return nil
}
