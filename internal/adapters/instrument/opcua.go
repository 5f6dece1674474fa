package instrument

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// opcuaTransport reads a single node per query. The command is the node id,
// e.g. "ns=2;s=PT104.Ch1.Temperature".
type opcuaTransport struct {
	client *opcua.Client
}

func openOPCUA(cfg Config) (*opcuaTransport, error) {
	client, err := opcua.NewClient(cfg.Endpoint, buildClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	return &opcuaTransport{client: client}, nil
}

func (t *opcuaTransport) Send(cmd string) error {
	return fmt.Errorf("opcua transport cannot send %q: read-only", cmd)
}

func (t *opcuaTransport) Query(cmd string, timeout time.Duration) (string, error) {
	nodeID, err := ua.ParseNodeID(cmd)
	if err != nil {
		return "", fmt.Errorf("parse node id %q: %w", cmd, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := t.client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return "", fmt.Errorf("read %q: %w", cmd, err)
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("read %q: empty result", cmd)
	}
	res := resp.Results[0]
	if res.Status != ua.StatusOK {
		return "", fmt.Errorf("read %q: %s", cmd, res.Status)
	}
	fv, ok := variantToFloat(res.Value)
	if !ok {
		return "", fmt.Errorf("read %q: unsupported value type %T", cmd, res.Value.Value())
	}
	return strconv.FormatFloat(fv, 'g', -1, 64), nil
}

func (t *opcuaTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildClientOptions(cfg Config) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(cfg.SecurityPolicy)),
		opcua.ApplicationName("calibflow"),
		opcua.AutoReconnect(true),
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}
