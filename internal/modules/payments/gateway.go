package payments

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Payment methods reported to callers.
const (
	MethodOnchain  = "onchain"
	MethodFreeCode = "free_code"
)

// memoMaxBytes bounds the decision-hash memo calldata.
const memoMaxBytes = 220

// anchorGasLimit covers a zero-value self-transfer with memo calldata.
const anchorGasLimit = 90_000

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// ChainClient is the wallet-provider capability the gateway needs.
// *ethclient.Client satisfies it; tests substitute a fake chain.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Receipt is the verified settlement handed to callers. Free grants
// produce a synthetic receipt with amount "0" and block 0; reporters
// must branch on PaymentMethod, never on the chain fields.
type Receipt struct {
	TransactionHash string `json:"transaction_hash"`
	FromAddress     string `json:"from_address"`
	AmountBaseUnits string `json:"amount_base_units"`
	BlockNumber     uint64 `json:"block_number"`
	Network         string `json:"network"`
	PaymentMethod   string `json:"payment_method"`
}

// Config tunes payment verification.
type Config struct {
	Network       string
	Confirmations uint64
	Timeout       time.Duration
	PollInterval  time.Duration
}

// Gateway verifies USDC transfers against the chain and anchors
// decision hashes with memo self-transfers.
type Gateway struct {
	client ChainClient
	usdc   common.Address
	agent  common.Address
	key    *ecdsa.PrivateKey
	cfg    Config
	log    zerolog.Logger
}

// NewGateway creates the payment gateway. key may be nil; anchoring
// then fails with ErrAgentUnavailable while verification still works.
func NewGateway(client ChainClient, usdcAddress, agentAddress string, key *ecdsa.PrivateKey, cfg Config, log zerolog.Logger) *Gateway {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Gateway{
		client: client,
		usdc:   common.HexToAddress(usdcAddress),
		agent:  common.HexToAddress(agentAddress),
		key:    key,
		cfg:    cfg,
		log:    log.With().Str("component", "payment_gateway").Logger(),
	}
}

// FreeReceipt builds the synthetic receipt for a free-code grant.
func (g *Gateway) FreeReceipt(transactionID, payer string) *Receipt {
	return &Receipt{
		TransactionHash: transactionID,
		FromAddress:     strings.ToLower(payer),
		AmountBaseUnits: "0",
		BlockNumber:     0,
		Network:         g.cfg.Network,
		PaymentMethod:   MethodFreeCode,
	}
}

// Balance reads the USDC balance of addr in base units.
func (g *Gateway) Balance(ctx context.Context, addr string) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)...)

	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.usdc, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("usdc balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// VerifyPayment confirms a USDC transfer of at least expected base
// units from payer to the agent wallet. With a transaction hash the
// receipt's block is scanned; without one a sliding log-scan runs
// until the deadline.
func (g *Gateway) VerifyPayment(ctx context.Context, payer string, expected *big.Int, txHash string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	payerAddr := common.HexToAddress(payer)
	if txHash != "" {
		return g.verifyByHash(ctx, payerAddr, expected, common.HexToHash(txHash))
	}
	return g.verifyByScan(ctx, payerAddr, expected)
}

func (g *Gateway) verifyByHash(ctx context.Context, payer common.Address, expected *big.Int, hash common.Hash) (*Receipt, error) {
	receipt, err := g.awaitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := g.awaitConfirmations(ctx, receipt.BlockNumber.Uint64()); err != nil {
		return nil, err
	}

	// The receipt may come from an unindexed node; scan the whole
	// block so the matching Transfer is found regardless. Value match
	// alone is never enough, the sender and receiver must pair up.
	block := receipt.BlockNumber
	logs, err := g.client.FilterLogs(ctx, g.transferQuery(payer, block, block))
	if err != nil {
		return nil, fmt.Errorf("%w: scan receipt block: %v", domain.ErrPaymentNotConfirmed, err)
	}
	for _, lg := range logs {
		if amount, ok := g.matchTransfer(lg, payer, expected); ok {
			return g.receiptFor(lg, amount), nil
		}
	}
	return nil, fmt.Errorf("%w: no matching transfer in block %s", domain.ErrPaymentNotConfirmed, block)
}

func (g *Gateway) verifyByScan(ctx context.Context, payer common.Address, expected *big.Int) (*Receipt, error) {
	for {
		latest, err := g.client.BlockNumber(ctx)
		if err == nil {
			from := uint64(0)
			if latest > 250 {
				from = latest - 250
			}
			logs, err := g.client.FilterLogs(ctx, g.transferQuery(payer,
				new(big.Int).SetUint64(from), new(big.Int).SetUint64(latest)))
			if err == nil {
				for _, lg := range logs {
					amount, ok := g.matchTransfer(lg, payer, expected)
					if !ok {
						continue
					}
					if err := g.awaitConfirmations(ctx, lg.BlockNumber); err != nil {
						return nil, err
					}
					return g.receiptFor(lg, amount), nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: deadline elapsed without a matching transfer", domain.ErrPaymentNotConfirmed)
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *Gateway) transferQuery(payer common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{g.usdc},
		Topics: [][]common.Hash{
			{transferTopic},
			{common.BytesToHash(common.LeftPadBytes(payer.Bytes(), 32))},
			{common.BytesToHash(common.LeftPadBytes(g.agent.Bytes(), 32))},
		},
	}
}

// matchTransfer checks one log for (from=payer, to=agent, value >=
// expected) and returns the transferred amount.
func (g *Gateway) matchTransfer(lg types.Log, payer common.Address, expected *big.Int) (*big.Int, bool) {
	if lg.Address != g.usdc || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return nil, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if from != payer || to != g.agent {
		return nil, false
	}
	amount := new(big.Int).SetBytes(lg.Data)
	if amount.Cmp(expected) < 0 {
		return nil, false
	}
	return amount, true
}

func (g *Gateway) receiptFor(lg types.Log, amount *big.Int) *Receipt {
	return &Receipt{
		TransactionHash: lg.TxHash.Hex(),
		FromAddress:     strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		AmountBaseUnits: amount.String(),
		BlockNumber:     lg.BlockNumber,
		Network:         g.cfg.Network,
		PaymentMethod:   MethodOnchain,
	}
}

func (g *Gateway) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: receipt for %s never appeared", domain.ErrPaymentNotConfirmed, hash)
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *Gateway) awaitConfirmations(ctx context.Context, block uint64) error {
	for {
		latest, err := g.client.BlockNumber(ctx)
		if err == nil && latest+1 >= block+g.cfg.Confirmations {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmations not reached for block %d", domain.ErrPaymentNotConfirmed, block)
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// AnchorDecisionHash sends a zero-value self-transfer carrying
// "SELUN|<decisionId>|<pdfHash>" as calldata and waits for one
// confirmation. Returns the transaction hash.
func (g *Gateway) AnchorDecisionHash(ctx context.Context, decisionID, pdfHash string) (string, error) {
	if g.key == nil {
		return "", fmt.Errorf("%w: no signing key for memo anchoring", domain.ErrAgentUnavailable)
	}

	memo := []byte("SELUN|" + decisionID + "|" + pdfHash)
	if len(memo) > memoMaxBytes {
		memo = memo[:memoMaxBytes]
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.agent)
	if err != nil {
		return "", fmt.Errorf("anchor nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("anchor gas price: %w", err)
	}
	chainID, err := g.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("anchor chain id: %w", err)
	}

	tx := types.NewTransaction(nonce, g.agent, big.NewInt(0), anchorGasLimit, gasPrice, memo)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return "", fmt.Errorf("sign anchor tx: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send anchor tx: %w", err)
	}

	receipt, err := g.awaitReceipt(ctx, signed.Hash())
	if err != nil {
		return "", err
	}
	if err := g.awaitConfirmations(ctx, receipt.BlockNumber.Uint64()); err != nil {
		return "", err
	}

	g.log.Info().
		Str("decision_id", decisionID).
		Str("tx_hash", signed.Hash().Hex()).
		Msg("Decision hash anchored on chain")

	return signed.Hash().Hex(), nil
}
