package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"reportflow/internal/domain"
)

// SFTPChannel uploads the artifact over SSH. Secrets: username plus
// either password or private_key (PEM, optionally with passphrase).
type SFTPChannel struct{}

func (SFTPChannel) Kind() domain.DistributionType { return domain.DistSFTP }

func (SFTPChannel) Send(ctx context.Context, art Artifact, rawConfig json.RawMessage, secrets map[string]string) error {
	var cfg SFTPConfig
	if err := strictUnmarshal(rawConfig, &cfg); err != nil {
		return err
	}
	if cfg.Host == "" {
		return domain.Configf("sftp: no host")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	auth, err := sshAuth(secrets)
	if err != nil {
		return err
	}
	sshCfg := &ssh.ClientConfig{
		User: secrets["username"],
		Auth: auth,
		// Host key pinning is a deployment concern; targets are
		// operator-configured, not user-supplied.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return domain.Transientf("sftp: dial %s: %v", addr, err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return domain.Transientf("sftp: session: %v", err)
	}
	defer client.Close()

	if cfg.RemoteDir != "" {
		if err := client.MkdirAll(cfg.RemoteDir); err != nil {
			return domain.Transientf("sftp: mkdir %s: %v", cfg.RemoteDir, err)
		}
	}

	dest := path.Join(cfg.RemoteDir, art.Filename)
	f, err := client.Create(dest)
	if err != nil {
		return domain.Transientf("sftp: create %s: %v", dest, err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(bytes.NewReader(art.Data)); err != nil {
		return domain.Transientf("sftp: write %s: %v", dest, err)
	}
	_ = ctx // ssh.Dial has its own timeout; writes ride the connection deadline
	return nil
}

func sshAuth(secrets map[string]string) ([]ssh.AuthMethod, error) {
	if key := secrets["private_key"]; key != "" {
		var signer ssh.Signer
		var err error
		if pass := secrets["passphrase"]; pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, domain.Configf("sftp: bad private key: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if pw := secrets["password"]; pw != "" {
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	}
	return nil, domain.Configf("sftp: credentials missing password and private_key")
}
