package ledger

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/hash"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// FabricConfig locates the peer and the client identity used to submit transactions.
type FabricConfig struct {
	PeerEndpoint  string
	PeerHostAlias string
	TLSCertPath   string
	MSPID         string
	CertPath      string
	KeyPath       string
	Channel       string
	Chaincode     string
}

// appendFunction is the chaincode transaction that stores one audit payload.
const appendFunction = "AppendRecord"

// Upper bounds for each gateway step; the caller's context may end them sooner.
const (
	endorseTimeout      = 15 * time.Second
	submitTimeout       = 15 * time.Second
	commitStatusTimeout = 30 * time.Second
)

// FabricLedger is a LedgerLog that submits records to the audit ledger chaincode.
// The reference is the Fabric transaction ID that first stored the payload.
type FabricLedger struct {
	gateway  *client.Gateway
	conn     *grpc.ClientConn
	contract *client.Contract
}

// NewFabricLedger connects to the gateway peer and resolves the audit contract.
func NewFabricLedger(cfg FabricConfig) (*FabricLedger, error) {
	conn, err := newGrpcConnection(cfg.PeerEndpoint, cfg.PeerHostAlias, cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}

	id, sign, err := newIdentityAndSign(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	l, err := connectGateway(conn, id, sign, cfg.Channel, cfg.Chaincode)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

func connectGateway(conn *grpc.ClientConn, id identity.Identity, sign identity.Sign, channel, chaincode string) (*FabricLedger, error) {
	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithHash(hash.SHA256),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(endorseTimeout),
		client.WithSubmitTimeout(submitTimeout),
		client.WithCommitStatusTimeout(commitStatusTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric gateway connect failed: %w", err)
	}

	contract := gw.GetNetwork(channel).GetContract(chaincode)
	return &FabricLedger{gateway: gw, conn: conn, contract: contract}, nil
}

// Submit endorses and commits AppendRecord(topic, payload) and waits for the commit status.
func (l *FabricLedger) Submit(ctx context.Context, topic string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	proposal, err := l.contract.NewProposal(appendFunction, client.WithArguments(topic, string(payload)))
	if err != nil {
		return "", fmt.Errorf("fabric proposal failed: %w", err)
	}
	endorseCtx, cancel := context.WithTimeout(ctx, endorseTimeout)
	transaction, err := proposal.EndorseWithContext(endorseCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("fabric endorse failed: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	commit, err := transaction.SubmitWithContext(submitCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("fabric submit failed: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, commitStatusTimeout)
	status, err := commit.StatusWithContext(statusCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("fabric commit status failed for %s: %w", commit.TransactionID(), err)
	}
	if !status.Successful {
		return "", fmt.Errorf("fabric transaction %s failed to commit with status code %d", status.TransactionID, int32(status.Code))
	}

	if ref := referenceFromResult(transaction.Result()); ref != "" {
		return ref, nil
	}
	return status.TransactionID, nil
}

// Close releases the gateway and its gRPC connection.
func (l *FabricLedger) Close() error {
	l.gateway.Close()
	return l.conn.Close()
}

// appendResult mirrors the chaincode's AppendRecord response.
type appendResult struct {
	TxID   string `json:"txId"`
	Digest string `json:"digest"`
	Replay bool   `json:"replay"`
}

// referenceFromResult extracts the original transaction ID, which differs from the
// current one when the chaincode recognised a replayed payload.
func referenceFromResult(result []byte) string {
	if len(result) == 0 {
		return ""
	}
	var r appendResult
	if err := json.Unmarshal(result, &r); err != nil {
		return ""
	}
	return r.TxID
}

func newGrpcConnection(peerEndpoint, peerHostAlias, tlsCertPath string) (*grpc.ClientConn, error) {
	tlsPem, err := os.ReadFile(tlsCertPath)
	if err != nil {
		return nil, fmt.Errorf("read tls cert: %w (path=%s)", err, tlsCertPath)
	}

	tlsCert, err := identity.CertificateFromPEM(tlsPem)
	if err != nil {
		return nil, fmt.Errorf("parse tls cert PEM: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(tlsCert)

	creds := credentials.NewClientTLSFromCert(certPool, peerHostAlias)
	conn, err := grpc.NewClient(peerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", peerEndpoint, err)
	}
	return conn, nil
}

func newIdentityAndSign(cfg FabricConfig) (*identity.X509Identity, identity.Sign, error) {
	certPem, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read signcert: %w", err)
	}
	cert, err := identity.CertificateFromPEM(certPem)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signcert: %w", err)
	}

	id, err := identity.NewX509Identity(cfg.MSPID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("NewX509Identity: %w", err)
	}

	keyPem, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	privateKey, err := identity.PrivateKeyFromPEM(keyPem)
	if err != nil {
		return nil, nil, fmt.Errorf("PrivateKeyFromPEM: %w", err)
	}

	sign, err := identity.NewPrivateKeySign(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("NewPrivateKeySign: %w", err)
	}

	return id, sign, nil
}
