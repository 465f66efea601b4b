package mesh

import (
	"context"
	"database/sql"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "AgentMesh-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存网格记录。主键冲突即为重放保护：
// 在已推导地址上的第二次创建由唯一键约束拒绝。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS agent_identities (
        address VARCHAR(66) PRIMARY KEY,
        owner_wallet VARCHAR(66) NOT NULL,
        agent_wallet VARCHAR(66) NOT NULL DEFAULT '',
        model_profile VARCHAR(66) NOT NULL DEFAULT '',
        metadata_uri VARCHAR(200) NOT NULL DEFAULT '',
        permissions BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        bump TINYINT UNSIGNED NOT NULL,
        UNIQUE KEY uniq_agent_owner (owner_wallet)
)`,
		`CREATE TABLE IF NOT EXISTS model_profiles (
        address VARCHAR(66) PRIMARY KEY,
        owner_wallet VARCHAR(66) NOT NULL,
        profile_id CHAR(32) NOT NULL,
        label VARCHAR(64) NOT NULL DEFAULT '',
        provider_uri VARCHAR(200) NOT NULL DEFAULT '',
        pricing BIGINT UNSIGNED NOT NULL DEFAULT 0,
        billing_wallet VARCHAR(66) NOT NULL DEFAULT '',
        max_tokens_per_day BIGINT UNSIGNED NOT NULL DEFAULT 0,
        max_requests_per_min BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        bump TINYINT UNSIGNED NOT NULL,
        UNIQUE KEY uniq_profile_owner_id (owner_wallet, profile_id),
        INDEX idx_profile_owner (owner_wallet)
)`,
		`CREATE TABLE IF NOT EXISTS agent_intents (
        address VARCHAR(66) PRIMARY KEY,
        from_agent VARCHAR(66) NOT NULL,
        to_agent VARCHAR(66) NOT NULL,
        nonce BIGINT UNSIGNED NOT NULL,
        status TINYINT UNSIGNED NOT NULL DEFAULT 0,
        payload_hash VARCHAR(66) NOT NULL DEFAULT '',
        payload_uri VARCHAR(200) NOT NULL DEFAULT '',
        payment_amount BIGINT UNSIGNED NOT NULL DEFAULT 0,
        payment_mint VARCHAR(66) NOT NULL DEFAULT '',
        result_hash VARCHAR(66) NOT NULL DEFAULT '',
        result_uri VARCHAR(200) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        bump TINYINT UNSIGNED NOT NULL,
        UNIQUE KEY uniq_intent_triple (from_agent, to_agent, nonce),
        INDEX idx_intent_status (status),
        INDEX idx_intent_updated (updated_at)
)`,
	}

	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化网格记录表失败")
		}
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// CreateAgent 插入新的智能体记录。
func (s *MySQLStore) CreateAgent(ctx context.Context, agent *AgentIdentity) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}

	const stmt = `INSERT INTO agent_identities
        (address, owner_wallet, agent_wallet, model_profile, metadata_uri, permissions, created_at, updated_at, bump)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		agent.Address.Hex(),
		agent.OwnerWallet.Hex(),
		agent.AgentWallet.Hex(),
		agent.ModelProfile.Hex(),
		agent.MetadataURI,
		uint64(agent.Permissions),
		agent.CreatedAt,
		agent.UpdatedAt,
		agent.Bump,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateRecord
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入智能体记录失败")
	}
	return nil
}

// GetAgent 查询指定地址的智能体记录。
func (s *MySQLStore) GetAgent(ctx context.Context, addr common.Hash) (*AgentIdentity, error) {
	const stmt = `SELECT address, owner_wallet, agent_wallet, model_profile, metadata_uri, permissions, created_at, updated_at, bump
        FROM agent_identities WHERE address = ?`

	row := s.db.QueryRowContext(ctx, stmt, addr.Hex())

	var agent AgentIdentity
	var address, owner, wallet, profile string
	var permissions uint64
	if err := row.Scan(
		&address,
		&owner,
		&wallet,
		&profile,
		&agent.MetadataURI,
		&permissions,
		&agent.CreatedAt,
		&agent.UpdatedAt,
		&agent.Bump,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体记录失败")
	}
	agent.Address = common.HexToHash(address)
	agent.OwnerWallet = common.HexToHash(owner)
	agent.AgentWallet = common.HexToHash(wallet)
	agent.ModelProfile = common.HexToHash(profile)
	agent.Permissions = Permission(permissions)
	return &agent, nil
}

// PutAgent 覆盖已存在的智能体记录。
func (s *MySQLStore) PutAgent(ctx context.Context, agent *AgentIdentity) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}

	const stmt = `UPDATE agent_identities SET agent_wallet = ?, model_profile = ?, metadata_uri = ?, permissions = ?, updated_at = ?
        WHERE address = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		agent.AgentWallet.Hex(),
		agent.ModelProfile.Hex(),
		agent.MetadataURI,
		uint64(agent.Permissions),
		agent.UpdatedAt,
		agent.Address.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetAgent(ctx, agent.Address); getErr != nil {
			return getErr
		}
	}
	return nil
}

// CreateProfile 插入新的模型档案。
func (s *MySQLStore) CreateProfile(ctx context.Context, profile *ModelProfile) error {
	if profile == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "profile 不能为空")
	}

	const stmt = `INSERT INTO model_profiles
        (address, owner_wallet, profile_id, label, provider_uri, pricing, billing_wallet, max_tokens_per_day, max_requests_per_min, created_at, updated_at, bump)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		profile.Address.Hex(),
		profile.OwnerWallet.Hex(),
		profile.ProfileID.String(),
		profile.Label,
		profile.ProviderURI,
		profile.Pricing,
		profile.BillingWallet.Hex(),
		profile.MaxTokensPerDay,
		profile.MaxRequestsPerMin,
		profile.CreatedAt,
		profile.UpdatedAt,
		profile.Bump,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateRecord
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入模型档案失败")
	}
	return nil
}

// GetProfile 查询指定地址的模型档案。
func (s *MySQLStore) GetProfile(ctx context.Context, addr common.Hash) (*ModelProfile, error) {
	const stmt = `SELECT address, owner_wallet, profile_id, label, provider_uri, pricing, billing_wallet, max_tokens_per_day, max_requests_per_min, created_at, updated_at, bump
        FROM model_profiles WHERE address = ?`

	row := s.db.QueryRowContext(ctx, stmt, addr.Hex())

	var profile ModelProfile
	var address, owner, profileID, billing string
	if err := row.Scan(
		&address,
		&owner,
		&profileID,
		&profile.Label,
		&profile.ProviderURI,
		&profile.Pricing,
		&billing,
		&profile.MaxTokensPerDay,
		&profile.MaxRequestsPerMin,
		&profile.CreatedAt,
		&profile.UpdatedAt,
		&profile.Bump,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询模型档案失败")
	}
	profile.Address = common.HexToHash(address)
	profile.OwnerWallet = common.HexToHash(owner)
	profile.BillingWallet = common.HexToHash(billing)
	decoded, err := hex.DecodeString(profileID)
	if err != nil || len(decoded) != ProfileIDLen {
		return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("档案标识格式损坏: %q", profileID))
	}
	copy(profile.ProfileID[:], decoded)
	return &profile, nil
}

// PutProfile 覆盖已存在的模型档案。
func (s *MySQLStore) PutProfile(ctx context.Context, profile *ModelProfile) error {
	if profile == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "profile 不能为空")
	}

	const stmt = `UPDATE model_profiles SET label = ?, provider_uri = ?, pricing = ?, billing_wallet = ?, max_tokens_per_day = ?, max_requests_per_min = ?, updated_at = ?
        WHERE address = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		profile.Label,
		profile.ProviderURI,
		profile.Pricing,
		profile.BillingWallet.Hex(),
		profile.MaxTokensPerDay,
		profile.MaxRequestsPerMin,
		profile.UpdatedAt,
		profile.Address.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新模型档案失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetProfile(ctx, profile.Address); getErr != nil {
			return getErr
		}
	}
	return nil
}

// CreateIntent 插入新的意向记录。
func (s *MySQLStore) CreateIntent(ctx context.Context, intent *AgentIntent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}

	const stmt = `INSERT INTO agent_intents
        (address, from_agent, to_agent, nonce, status, payload_hash, payload_uri, payment_amount, payment_mint, result_hash, result_uri, created_at, updated_at, bump)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		intent.Address.Hex(),
		intent.FromAgent.Hex(),
		intent.ToAgent.Hex(),
		intent.Nonce,
		uint8(intent.Status),
		intent.PayloadHash.Hex(),
		intent.PayloadURI,
		intent.PaymentAmount,
		intent.PaymentMint.Hex(),
		intent.ResultHash.Hex(),
		intent.ResultURI,
		intent.CreatedAt,
		intent.UpdatedAt,
		intent.Bump,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateRecord
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入意向记录失败")
	}
	return nil
}

const intentColumns = `address, from_agent, to_agent, nonce, status, payload_hash, payload_uri, payment_amount, payment_mint, result_hash, result_uri, created_at, updated_at, bump`

func scanIntent(scanner interface{ Scan(...any) error }) (*AgentIntent, error) {
	var intent AgentIntent
	var address, from, to, payloadHash, mint, resultHash string
	var status uint8
	if err := scanner.Scan(
		&address,
		&from,
		&to,
		&intent.Nonce,
		&status,
		&payloadHash,
		&intent.PayloadURI,
		&intent.PaymentAmount,
		&mint,
		&resultHash,
		&intent.ResultURI,
		&intent.CreatedAt,
		&intent.UpdatedAt,
		&intent.Bump,
	); err != nil {
		return nil, err
	}
	intent.Address = common.HexToHash(address)
	intent.FromAgent = common.HexToHash(from)
	intent.ToAgent = common.HexToHash(to)
	intent.Status = IntentStatus(status)
	intent.PayloadHash = common.HexToHash(payloadHash)
	intent.PaymentMint = common.HexToHash(mint)
	intent.ResultHash = common.HexToHash(resultHash)
	return &intent, nil
}

// GetIntent 查询指定地址的意向记录。
func (s *MySQLStore) GetIntent(ctx context.Context, addr common.Hash) (*AgentIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM agent_intents WHERE address = ?`, addr.Hex())
	intent, err := scanIntent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意向记录失败")
	}
	return intent, nil
}

// PutIntent 覆盖已存在的意向记录。
func (s *MySQLStore) PutIntent(ctx context.Context, intent *AgentIntent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}

	const stmt = `UPDATE agent_intents SET status = ?, result_hash = ?, result_uri = ?, updated_at = ? WHERE address = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		uint8(intent.Status),
		intent.ResultHash.Hex(),
		intent.ResultURI,
		intent.UpdatedAt,
		intent.Address.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新意向记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetIntent(ctx, intent.Address); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListIntents 返回符合过滤条件的意向。
func (s *MySQLStore) ListIntents(ctx context.Context, opts ListOptions) ([]*AgentIntent, error) {
	opts.applyDefaults()

	query := `SELECT ` + intentColumns + ` FROM agent_intents`

	clause, filterArgs := buildIntentFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, address DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, address ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意向列表失败")
	}
	defer rows.Close()

	intents := make([]*AgentIntent, 0, opts.Limit)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析意向记录失败")
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历意向记录失败")
	}
	return intents, nil
}

// IntentStats 返回符合过滤条件的意向聚合信息。
func (s *MySQLStore) IntentStats(ctx context.Context, opts ListOptions) (IntentStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS accepted,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(SUM(CASE WHEN status IN (?, ?) THEN payment_amount ELSE 0 END), 0) AS escrowed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM agent_intents`

	clause, filterArgs := buildIntentFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		uint8(StatusPending), uint8(StatusAccepted), uint8(StatusCompleted), uint8(StatusFailed),
		uint8(StatusPending), uint8(StatusAccepted),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats IntentStats
	var pending, accepted, completed, failed sql.NullInt64
	if err := row.Scan(
		&stats.Total,
		&pending,
		&accepted,
		&completed,
		&failed,
		&stats.EscrowedAmount,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return IntentStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询意向统计失败")
	}
	stats.Pending = pending.Int64
	stats.Accepted = accepted.Int64
	stats.Completed = completed.Int64
	stats.Failed = failed.Int64
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildIntentFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, uint8(status))
		}
	}
	if opts.FromAgent != "" {
		conditions = append(conditions, "from_agent = ?")
		args = append(args, opts.FromAgent)
	}
	if opts.ToAgent != "" {
		conditions = append(conditions, "to_agent = ?")
		args = append(args, opts.ToAgent)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		emptyHash := common.Hash{}.Hex()
		if *opts.HasResult {
			conditions = append(conditions, "(result_hash <> ? OR result_uri <> '')")
		} else {
			conditions = append(conditions, "(result_hash = ? AND result_uri = '')")
		}
		args = append(args, emptyHash)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
