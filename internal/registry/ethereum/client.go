package ethereum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"TrustClaw/internal/registry"

	xerrors "TrustClaw/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// identityRegistryABI covers the ERC-721 surface of the identity registry we
// actually call. Registrations are token mints, observed via Transfer topics
// rather than a custom event.
const identityRegistryABI = `[
  {"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// reputationRegistryABI mirrors the two-step summary protocol: getClients
// first, then getSummary with those addresses. Passing an empty client list
// to getSummary yields zero, not "all clients".
const reputationRegistryABI = `[
  {"inputs":[{"name":"agentId","type":"uint256"}],"name":"getClients","outputs":[{"name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddresses","type":"address[]"},{"name":"tag1","type":"string"},{"name":"tag2","type":"string"}],"name":"getSummary","outputs":[{"name":"count","type":"uint64"},{"name":"summaryValue","type":"int128"},{"name":"summaryValueDecimals","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// Config describes how to construct a registry reader for one EVM network.
type Config struct {
	Name               string
	RPCURL             string
	IdentityRegistry   string
	ReputationRegistry string
	SkillMarkers       []string
}

// Client implements registry.Reader against ERC-8004 style contracts.
type Client struct {
	name          string
	rpcClient     *gethrpc.Client
	eth           *ethclient.Client
	identityAddr  common.Address
	identityABI   abi.ABI
	reputationSet bool
	reputationAdr common.Address
	reputationABI abi.ABI
	markers       [][]byte
	mu            sync.Mutex
}

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// NewClient dials the configured RPC endpoint and returns a ready-to-use reader.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.IdentityRegistry) {
		return nil, fmt.Errorf("身份注册表地址非法: %s", cfg.IdentityRegistry)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	idABI, err := abi.JSON(strings.NewReader(identityRegistryABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析身份注册表 ABI 失败: %w", err)
	}
	repABI, err := abi.JSON(strings.NewReader(reputationRegistryABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析信誉注册表 ABI 失败: %w", err)
	}

	markers := make([][]byte, 0, len(cfg.SkillMarkers))
	for _, marker := range cfg.SkillMarkers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" {
			markers = append(markers, []byte(marker))
		}
	}

	client := &Client{
		name:          cfg.Name,
		rpcClient:     rpcClient,
		eth:           ethclient.NewClient(rpcClient),
		identityAddr:  common.HexToAddress(cfg.IdentityRegistry),
		identityABI:   idABI,
		reputationABI: repABI,
		markers:       markers,
	}
	if common.IsHexAddress(cfg.ReputationRegistry) {
		client.reputationSet = true
		client.reputationAdr = common.HexToAddress(cfg.ReputationRegistry)
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// LatestBlock returns the current head height.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFetchFailure, err, "获取最新区块高度失败")
	}
	return head, nil
}

// RegistrationEvents scans the identity registry for mint events (Transfer
// with the zero address as sender) in the inclusive block range.
func (c *Client) RegistrationEvents(ctx context.Context, fromBlock, toBlock uint64) ([]registry.RegistrationEvent, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	if fromBlock > toBlock {
		return nil, nil
	}

	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.identityAddr},
		Topics: [][]common.Hash{
			{transferTopic},
			{common.Hash{}}, // from == zero address, mints only
		},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFetchFailure, err, "查询注册事件失败")
	}

	events := make([]registry.RegistrationEvent, 0, len(logs))
	for _, entry := range logs {
		if len(entry.Topics) < 4 || entry.Removed {
			continue
		}
		agentID := new(big.Int).SetBytes(entry.Topics[3].Bytes())
		if !agentID.IsUint64() {
			continue
		}
		event := registry.RegistrationEvent{
			AgentID: agentID.Uint64(),
			Owner:   common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			Key: registry.EventKey{
				BlockHeight: entry.BlockNumber,
				LogIndex:    entry.Index,
			},
			TxHash: entry.TxHash.Hex(),
		}
		event.ViaSkill = c.detectSkillRegistration(ctx, entry.TxHash, agentID)
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Key.Less(events[j].Key)
	})
	return events, nil
}

// detectSkillRegistration decides the registered_via_skill provenance flag by
// looking for configured markers in the registration calldata and the token
// metadata URI. Both lookups are best effort: a failed lookup means "not via
// skill", never an error, because provenance must not block event delivery.
func (c *Client) detectSkillRegistration(ctx context.Context, txHash common.Hash, agentID *big.Int) bool {
	if len(c.markers) == 0 {
		return false
	}

	if tx, _, err := c.eth.TransactionByHash(ctx, txHash); err == nil && tx != nil {
		calldata := bytes.ToLower(tx.Data())
		for _, marker := range c.markers {
			if bytes.Contains(calldata, marker) {
				return true
			}
		}
	}

	if uri, err := c.tokenURI(ctx, agentID); err == nil {
		lowered := strings.ToLower(uri)
		for _, marker := range c.markers {
			if strings.Contains(lowered, string(marker)) {
				return true
			}
		}
	}
	return false
}

func (c *Client) tokenURI(ctx context.Context, agentID *big.Int) (string, error) {
	input, err := c.identityABI.Pack("tokenURI", agentID)
	if err != nil {
		return "", err
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.identityAddr, Data: input}, nil)
	if err != nil {
		return "", err
	}
	values, err := c.identityABI.Unpack("tokenURI", output)
	if err != nil || len(values) == 0 {
		return "", err
	}
	uri, _ := values[0].(string)
	return uri, nil
}

// Reputation implements the two-step summary fetch. A reverted getClients
// call means the agent has no reputation entry at all and maps to
// CodeNotRegistered; transport failures map to CodeChainFetchFailure.
func (c *Client) Reputation(ctx context.Context, agentID uint64, dimensions []string) (registry.RawReputation, error) {
	if c == nil || c.eth == nil {
		return registry.RawReputation{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	if !c.reputationSet {
		return registry.RawReputation{}, xerrors.New(xerrors.CodeNotRegistered, "当前网络未部署信誉注册表")
	}

	id := new(big.Int).SetUint64(agentID)
	clients, err := c.getClients(ctx, id)
	if err != nil {
		if isRevert(err) {
			return registry.RawReputation{}, xerrors.Wrap(xerrors.CodeNotRegistered, err, fmt.Sprintf("agent %d 无信誉记录", agentID))
		}
		return registry.RawReputation{}, xerrors.Wrap(xerrors.CodeChainFetchFailure, err, "查询信誉客户端列表失败")
	}
	if len(clients) == 0 {
		return registry.RawReputation{FeedbackCount: 0}, nil
	}

	count, _, _, err := c.getSummary(ctx, id, clients, "", "")
	if err != nil {
		return registry.RawReputation{}, xerrors.Wrap(xerrors.CodeChainFetchFailure, err, "查询信誉总评失败")
	}

	raw := registry.RawReputation{
		FeedbackCount: count,
		Dimensions:    make(map[string]registry.RawDimension, len(dimensions)),
	}
	for _, dim := range dimensions {
		_, value, decimals, err := c.getSummary(ctx, id, clients, dim, "")
		if err != nil {
			if isRevert(err) {
				// Dimension never rated; the resolver counts it as zero.
				continue
			}
			return registry.RawReputation{}, xerrors.Wrap(xerrors.CodeChainFetchFailure, err, fmt.Sprintf("查询维度 %s 失败", dim))
		}
		raw.Dimensions[dim] = registry.RawDimension{Value: value, Decimals: decimals}
	}
	return raw, nil
}

func (c *Client) getClients(ctx context.Context, agentID *big.Int) ([]common.Address, error) {
	input, err := c.reputationABI.Pack("getClients", agentID)
	if err != nil {
		return nil, err
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.reputationAdr, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	values, err := c.reputationABI.Unpack("getClients", output)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	clients, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getClients 返回了意外的类型 %T", values[0])
	}
	return clients, nil
}

// getSummary returns the raw summary value untruncated. Scores carry up to 18
// decimals of fixed-point scale, so the value routinely exceeds int64 and must
// stay a big integer until normalization divides the scale away.
func (c *Client) getSummary(ctx context.Context, agentID *big.Int, clients []common.Address, tag1, tag2 string) (uint64, *big.Int, uint8, error) {
	input, err := c.reputationABI.Pack("getSummary", agentID, clients, tag1, tag2)
	if err != nil {
		return 0, nil, 0, err
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &c.reputationAdr, Data: input}, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	values, err := c.reputationABI.Unpack("getSummary", output)
	if err != nil {
		return 0, nil, 0, err
	}
	if len(values) != 3 {
		return 0, nil, 0, fmt.Errorf("getSummary 返回了 %d 个值", len(values))
	}
	count, ok := values[0].(uint64)
	if !ok {
		return 0, nil, 0, fmt.Errorf("getSummary count 类型异常 %T", values[0])
	}
	rawValue, ok := values[1].(*big.Int)
	if !ok {
		return 0, nil, 0, fmt.Errorf("getSummary value 类型异常 %T", values[1])
	}
	decimals, ok := values[2].(uint8)
	if !ok {
		return 0, nil, 0, fmt.Errorf("getSummary decimals 类型异常 %T", values[2])
	}
	return count, rawValue, decimals, nil
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
