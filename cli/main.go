package cli

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/gsn-relay/config"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/penalizer"
	"github.com/flashbots/gsn-relay/server"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

const defaultPollInterval = 5 * time.Second

var (
	errInvalidLoglevel = errors.New("invalid loglevel")
	errMissingHub      = errors.New("--hub is required")
	errMissingKey      = errors.New("--key is required")
	errMissingURL      = errors.New("--url is required")
	errTxCount         = errors.New("--tx must be given once or twice")
	errSameKey         = errors.New("--reporter-key must differ from --key")

	log = logrus.NewEntry(logrus.New())
)

// Main starts the gsn-relay cli
func Main() {
	cmd := &cli.Command{
		Name:  "gsn-relay",
		Usage: "meta-transaction relay server and penalization tool",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "run a relay server",
				Flags:  serverFlags(),
				Action: runServer,
			},
			{
				Name:   "penalize",
				Usage:  "submit penalization evidence against a relay",
				Flags:  penalizeFlags(),
				Action: runPenalize,
			},
			{
				Name:  "version",
				Usage: "print version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("gsn-relay %s\n", config.Version) //nolint
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	if err := setupLogging(cmd); err != nil {
		flagUsage(cmd)
		log.WithError(err).Fatal("failed setting up logging")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.String(urlFlag.Name) == "" {
		return errMissingURL
	}
	keyHex := cmd.String(keyFlag.Name)
	if keyHex == "" {
		return errMissingKey
	}
	key, err := parseKey(keyHex)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}

	backend, err := ethclient.DialContext(ctx, cmd.String(ethNodeFlag.Name))
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", cmd.String(ethNodeFlag.Name), err)
	}
	defer backend.Close()

	hub, err := loadHub(cmd.String(hubFlag.Name), cmd.String(hubABIFlag.Name), backend)
	if err != nil {
		return err
	}

	var owner common.Address
	if o := cmd.String(ownerFlag.Name); o != "" {
		if !common.IsHexAddress(o) {
			return fmt.Errorf("--owner: invalid address %s", o)
		}
		owner = common.HexToAddress(o)
	} else {
		log.Warn("no owner configured, the balance stays on the relay after unstaking")
	}

	minBalance, err := floatEthToWei(cmd.Float(minBalanceFlag.Name))
	if err != nil {
		return fmt.Errorf("--min-balance: %w", err)
	}

	registry := prometheus.NewRegistry()
	cfg := server.Config{
		Log:             log,
		Backend:         backend,
		Hub:             hub,
		Key:             key,
		Owner:           owner,
		URL:             strings.TrimRight(cmd.String(urlFlag.Name), "/"),
		Fee:             big.NewInt(cmd.Int(feeFlag.Name)),
		GasPricePercent: cmd.Int(gasPricePercentFlag.Name),
		MinBalance:      minBalance.ToBig(),
		StartBlock:      cmd.Uint(startBlockFlag.Name),
		Registry:        registry,
		ForwardAudits:   cmd.Bool(forwardAuditsFlag.Name),
	}

	if reporterHex := cmd.String(reporterKeyFlag.Name); reporterHex != "" {
		reporterKey, err := parseKey(reporterHex)
		if err != nil {
			return fmt.Errorf("--reporter-key: %w", err)
		}
		if reporterKey.D.Cmp(key.D) == 0 {
			return errSameKey
		}
		submitter := server.NewTxSender(log, backend, reporterKey, nil)
		cfg.Penalizer = penalizer.New(log, hub, submitter)
		log.WithField("reporter", submitter.Address().Hex()).Info("penalizing misbehaving relays")
	}

	relay, err := server.NewRelayServer(cfg, server.WithPollInterval(cmd.Duration(pollIntervalFlag.Name)))
	if err != nil {
		return err
	}
	service, err := server.NewRelayService(server.RelayServiceOpts{
		Log:        log,
		ListenAddr: cmd.String(addrFlag.Name),
		Server:     relay,
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"relay": relay.Address().Hex(),
		"hub":   hub.Address().Hex(),
		"url":   cfg.URL,
		"fee":   cfg.Fee.String(),
	}).Info("relay configured")

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.WithError(err).Error("relay worker stopped")
		}
	}()
	go service.ShutdownOnRemoval(ctx, relay.Notifications())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http server shutdown failed")
		}
	}()

	log.Println("listening on", cmd.String(addrFlag.Name))
	return service.StartHTTPServer()
}

func runPenalize(ctx context.Context, cmd *cli.Command) error {
	if err := setupLogging(cmd); err != nil {
		flagUsage(cmd)
		log.WithError(err).Fatal("failed setting up logging")
	}

	hashes := cmd.StringSlice(txFlag.Name)
	if len(hashes) != 1 && len(hashes) != 2 {
		return errTxCount
	}
	reporterHex := cmd.String(reporterKeyFlag.Name)
	if reporterHex == "" {
		return errors.New("--reporter-key is required")
	}
	reporterKey, err := parseKey(reporterHex)
	if err != nil {
		return fmt.Errorf("--reporter-key: %w", err)
	}

	backend, err := ethclient.DialContext(ctx, cmd.String(ethNodeFlag.Name))
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", cmd.String(ethNodeFlag.Name), err)
	}
	defer backend.Close()

	hub, err := loadHub(cmd.String(hubFlag.Name), cmd.String(hubABIFlag.Name), backend)
	if err != nil {
		return err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}

	builder := penalizer.NewEvidenceBuilder(backend)
	evidence := make([]*penalizer.Evidence, 0, len(hashes))
	for _, h := range hashes {
		e, err := builder.Build(ctx, common.HexToHash(h), chainID)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"txHash": e.TxHash.Hex(),
			"signer": e.Signer.Hex(),
			"nonce":  e.Nonce,
		}).Info("built evidence")
		evidence = append(evidence, e)
	}

	p := penalizer.New(log, hub, server.NewTxSender(log, backend, reporterKey, nil))
	if len(evidence) == 1 {
		_, err = p.PenalizeIllegalTransaction(ctx, evidence[0])
	} else {
		_, err = p.PenalizeRepeatedNonce(ctx, evidence[0], evidence[1])
	}
	return err
}

func setupLogging(cmd *cli.Command) error {
	// setup logging
	log.Logger.SetOutput(os.Stdout)
	if cmd.Bool(jsonFlag.Name) {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logLevel := cmd.String(logLevelFlag.Name)
	if cmd.Bool(debugFlag.Name) {
		logLevel = "debug"
	}
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("%w: %s", errInvalidLoglevel, logLevel)
		}
		log.Logger.SetLevel(lvl)
	}
	if logService := cmd.String(logServiceFlag.Name); logService != "" {
		log = log.WithField("service", logService)
	}

	// Add version to logs and say hello
	if !cmd.Bool(logNoVersionFlag.Name) {
		log = log.WithField("version", config.Version)
		log.Infof("starting gsn-relay %s", cmd.Name)
	} else {
		log.Infof("starting gsn-relay %s %s", cmd.Name, config.Version)
	}
	log.Debug("debug logging enabled")
	return nil
}

func flagUsage(cmd *cli.Command) {
	if err := cli.ShowSubcommandHelp(cmd); err != nil {
		log.WithError(err).Debug("could not show help")
	}
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

func loadHub(address, abiPath string, backend ledger.Backend) (*ledger.Hub, error) {
	if address == "" {
		return nil, errMissingHub
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("--hub: invalid address %s", address)
	}
	hubAddress := common.HexToAddress(address)
	if abiPath == "" {
		return ledger.NewHub(hubAddress, backend), nil
	}
	raw, err := os.ReadFile(abiPath)
	if err != nil {
		return nil, fmt.Errorf("--hub-abi: %w", err)
	}
	return ledger.NewHubWithABI(hubAddress, backend, string(raw))
}

// floatEthToWei converts a float (precision 10) denominated in eth to wei
func floatEthToWei(val float64) (*uint256.Int, error) {
	if val < 0 {
		return nil, fmt.Errorf("negative amount %v", val)
	}
	ethFloat := new(big.Float)
	weiFloat := new(big.Float)
	weiFloatLessPrecise := new(big.Float)
	weiInt := new(big.Int)

	ethFloat.SetFloat64(val)
	weiFloat.Mul(ethFloat, big.NewFloat(1e18))
	weiFloatLessPrecise.SetString(weiFloat.String())
	weiFloatLessPrecise.Int(weiInt)

	wei, overflow := uint256.FromBig(weiInt)
	if overflow {
		return nil, fmt.Errorf("amount %v overflows", val)
	}
	return wei, nil
}
