package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/eddielth/ddg-agent/logger"
)

// deviceStatusABI 只包含代理需要的合约方法
const deviceStatusABI = `[
	{"type":"function","name":"registerDevice","stateMutability":"nonpayable","inputs":[
		{"name":"deviceId","type":"string"},{"name":"deviceName","type":"string"},{"name":"deviceType","type":"string"}],"outputs":[]},
	{"type":"function","name":"updateDeviceStatus","stateMutability":"nonpayable","inputs":[
		{"name":"deviceId","type":"string"},{"name":"isOnline","type":"bool"},
		{"name":"temperature","type":"uint256"},{"name":"cpuUsage","type":"uint256"},{"name":"memoryUsage","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"markDeviceAbnormal","stateMutability":"nonpayable","inputs":[
		{"name":"deviceId","type":"string"},{"name":"isAbnormal","type":"bool"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"getDevice","stateMutability":"view","inputs":[{"name":"deviceId","type":"string"}],"outputs":[
		{"name":"","type":"tuple","components":[
			{"name":"deviceId","type":"string"},{"name":"deviceName","type":"string"},{"name":"deviceType","type":"string"},
			{"name":"isOnline","type":"bool"},{"name":"temperature","type":"uint256"},{"name":"cpuUsage","type":"uint256"},
			{"name":"memoryUsage","type":"uint256"},{"name":"lastUpdateTime","type":"uint256"},{"name":"isAbnormal","type":"bool"},
			{"name":"abnormalReason","type":"string"},{"name":"owner","type":"address"},{"name":"exists","type":"bool"}]}]}
]`

// registryDevice 对应 getDevice 返回的元组，字段名需与ABI组件名的驼峰形式一致
type registryDevice struct {
	DeviceId       string
	DeviceName     string
	DeviceType     string
	IsOnline       bool
	Temperature    *big.Int
	CpuUsage       *big.Int
	MemoryUsage    *big.Int
	LastUpdateTime *big.Int
	IsAbnormal     bool
	AbnormalReason string
	Owner          common.Address
	Exists         bool
}

// EthConfig 表示链上注册表的连接配置
type EthConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
}

// EthClient 通过 go-ethereum 调用 DeviceStatus 合约
type EthClient struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	address  common.Address
}

// SanitizePrivateKey 去除空白与可选的 0x 前缀
func SanitizePrivateKey(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.TrimPrefix(key, "0x")
	return strings.TrimPrefix(key, "0X")
}

// NewEthClient 连接RPC并绑定合约
func NewEthClient(ctx context.Context, cfg EthConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger RPC URL cannot be empty")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(SanitizePrivateKey(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", cfg.RPCURL, ErrTransport, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w: %v", ErrTransport, err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(deviceStatusABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	contract := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsed, client, client, client)

	logger.Info("connected to ledger %s (chain id %s) as %s", cfg.RPCURL, chainID, address.Hex())
	return &EthClient{
		client:   client,
		contract: contract,
		auth:     auth,
		address:  address,
	}, nil
}

// Credential 返回签名地址
func (c *EthClient) Credential() string {
	return c.address.Hex()
}

// RegisterDevice 注册设备并等待确认
func (c *EthClient) RegisterDevice(ctx context.Context, deviceID, name, deviceType string) error {
	return c.transact(ctx, "registerDevice", deviceID, name, deviceType)
}

// UpdateDeviceStatus 上报设备状态并等待确认
func (c *EthClient) UpdateDeviceStatus(ctx context.Context, deviceID string, isOnline bool, temperature, cpuUsage, memoryUsage int64) error {
	if temperature < 0 || cpuUsage < 0 || memoryUsage < 0 {
		return fmt.Errorf("updateDeviceStatus %s: negative metric value", deviceID)
	}
	return c.transact(ctx, "updateDeviceStatus", deviceID, isOnline,
		big.NewInt(temperature), big.NewInt(cpuUsage), big.NewInt(memoryUsage))
}

// MarkDeviceAbnormal 标记或清除异常并等待确认
func (c *EthClient) MarkDeviceAbnormal(ctx context.Context, deviceID string, isAbnormal bool, reason string) error {
	return c.transact(ctx, "markDeviceAbnormal", deviceID, isAbnormal, reason)
}

// GetDevice 读取设备快照
func (c *EthClient) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDevice", deviceID); err != nil {
		return Device{}, classifyRevert("getDevice "+deviceID, err)
	}
	if len(out) == 0 {
		return Device{}, fmt.Errorf("getDevice %s: empty result", deviceID)
	}

	raw := *abi.ConvertType(out[0], new(registryDevice)).(*registryDevice)
	if !raw.Exists {
		return Device{}, fmt.Errorf("getDevice %s: %w", deviceID, ErrDeviceNotFound)
	}

	return Device{
		DeviceID:       raw.DeviceId,
		DeviceName:     raw.DeviceName,
		DeviceType:     raw.DeviceType,
		IsOnline:       raw.IsOnline,
		Temperature:    bigToInt64(raw.Temperature),
		CPUUsage:       bigToInt64(raw.CpuUsage),
		MemoryUsage:    bigToInt64(raw.MemoryUsage),
		LastUpdateTime: time.Unix(bigToInt64(raw.LastUpdateTime), 0),
		IsAbnormal:     raw.IsAbnormal,
		AbnormalReason: raw.AbnormalReason,
		Owner:          raw.Owner.Hex(),
	}, nil
}

// Close 关闭RPC连接
func (c *EthClient) Close() {
	c.client.Close()
}

// transact 发送交易并等待打包，失败的回执视为 revert
func (c *EthClient) transact(ctx context.Context, method string, params ...interface{}) error {
	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return classifyRevert(method, err)
	}
	logger.Debug("%s submitted: %s", method, tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return fmt.Errorf("%s wait confirmation %s: %w: %v", method, tx.Hash().Hex(), ErrTransport, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("%s: transaction %s reverted: %w", method, tx.Hash().Hex(), ErrTransport)
	}

	logger.Debug("%s confirmed in block %s: %s", method, receipt.BlockNumber, tx.Hash().Hex())
	return nil
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
