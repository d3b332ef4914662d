package cli

import "github.com/urfave/cli/v3"

const (
	LoggingCategory  = "LOGGING AND DEBUGGING"
	GeneralCategory  = "GENERAL"
	LedgerCategory   = "LEDGER"
	EconomyCategory  = "ECONOMICS"
	PenalizeCategory = "PENALIZATION"
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		jsonFlag,
		debugFlag,
		logLevelFlag,
		logServiceFlag,
		logNoVersionFlag,
	}
}

func serverFlags() []cli.Flag {
	return append(loggingFlags(),
		// general
		addrFlag,
		urlFlag,
		pollIntervalFlag,
		// ledger
		ethNodeFlag,
		hubFlag,
		hubABIFlag,
		keyFlag,
		ownerFlag,
		startBlockFlag,
		// economics
		feeFlag,
		gasPricePercentFlag,
		minBalanceFlag,
		// penalization
		reporterKeyFlag,
		forwardAuditsFlag,
	)
}

func penalizeFlags() []cli.Flag {
	return append(loggingFlags(),
		ethNodeFlag,
		hubFlag,
		hubABIFlag,
		reporterKeyFlag,
		txFlag,
	)
}

var (
	// General
	addrFlag = &cli.StringFlag{
		Name:     "addr",
		Sources:  cli.EnvVars("RELAY_LISTEN_ADDR"),
		Value:    "localhost:8090",
		Usage:    "listen-address for the relay server",
		Category: GeneralCategory,
	}
	urlFlag = &cli.StringFlag{
		Name:     "url",
		Sources:  cli.EnvVars("RELAY_URL"),
		Usage:    "public url of the relay server, registered on the hub",
		Category: GeneralCategory,
	}
	pollIntervalFlag = &cli.DurationFlag{
		Name:     "poll-interval",
		Sources:  cli.EnvVars("POLL_INTERVAL"),
		Value:    defaultPollInterval,
		Usage:    "block polling interval when the node does not support subscriptions",
		Category: GeneralCategory,
	}
	// Logging and debugging
	jsonFlag = &cli.BoolFlag{
		Name:     "json",
		Sources:  cli.EnvVars("LOG_JSON"),
		Usage:    "log in JSON format instead of text",
		Category: LoggingCategory,
	}
	debugFlag = &cli.BoolFlag{
		Name:     "debug",
		Sources:  cli.EnvVars("DEBUG"),
		Usage:    "shorthand for '--loglevel debug'",
		Category: LoggingCategory,
	}
	logLevelFlag = &cli.StringFlag{
		Name:     "loglevel",
		Sources:  cli.EnvVars("LOG_LEVEL"),
		Value:    "info",
		Usage:    "minimum loglevel: trace, debug, info, warn/warning, error, fatal, panic",
		Category: LoggingCategory,
	}
	logServiceFlag = &cli.StringFlag{
		Name:     "log-service",
		Sources:  cli.EnvVars("LOG_SERVICE_TAG"),
		Value:    "",
		Usage:    "add a 'service=...' tag to all log messages",
		Category: LoggingCategory,
	}
	logNoVersionFlag = &cli.BoolFlag{
		Name:     "log-no-version",
		Sources:  cli.EnvVars("DISABLE_LOG_VERSION"),
		Usage:    "disables adding the version to every log entry",
		Category: LoggingCategory,
	}
	// Ledger
	ethNodeFlag = &cli.StringFlag{
		Name:     "eth-node",
		Sources:  cli.EnvVars("ETH_NODE"),
		Value:    "http://localhost:8545",
		Usage:    "ledger node RPC url (http or ws)",
		Category: LedgerCategory,
	}
	hubFlag = &cli.StringFlag{
		Name:     "hub",
		Sources:  cli.EnvVars("RELAY_HUB"),
		Usage:    "RelayHub contract address",
		Category: LedgerCategory,
	}
	hubABIFlag = &cli.StringFlag{
		Name:     "hub-abi",
		Sources:  cli.EnvVars("RELAY_HUB_ABI"),
		Usage:    "path to a RelayHub ABI JSON file, replaces the built-in ABI",
		Category: LedgerCategory,
	}
	keyFlag = &cli.StringFlag{
		Name:     "key",
		Sources:  cli.EnvVars("RELAY_KEY"),
		Usage:    "hex private key the relay signs transactions with",
		Category: LedgerCategory,
	}
	ownerFlag = &cli.StringFlag{
		Name:     "owner",
		Sources:  cli.EnvVars("RELAY_OWNER"),
		Usage:    "address receiving the relay balance once unstaked",
		Category: LedgerCategory,
	}
	startBlockFlag = &cli.UintFlag{
		Name:     "start-block",
		Sources:  cli.EnvVars("START_BLOCK"),
		Usage:    "first block scanned for hub events",
		Category: LedgerCategory,
	}
	// Economics
	feeFlag = &cli.IntFlag{
		Name:     "fee",
		Sources:  cli.EnvVars("RELAY_FEE"),
		Value:    70,
		Usage:    "minimum relay fee [percent of the gas cost]",
		Category: EconomyCategory,
	}
	gasPricePercentFlag = &cli.IntFlag{
		Name:     "gas-price-percent",
		Sources:  cli.EnvVars("GAS_PRICE_PERCENT"),
		Value:    10,
		Usage:    "percent added to the network gas price to get the minimum accepted gas price",
		Category: EconomyCategory,
	}
	minBalanceFlag = &cli.FloatFlag{
		Name:     "min-balance",
		Sources:  cli.EnvVars("MIN_BALANCE_ETH"),
		Value:    0.1,
		Usage:    "balance below which the relay stops accepting requests [eth]",
		Category: EconomyCategory,
	}
	// Penalization
	reporterKeyFlag = &cli.StringFlag{
		Name:     "reporter-key",
		Sources:  cli.EnvVars("REPORTER_KEY"),
		Usage:    "hex private key penalizations are submitted with, must not be a relay key",
		Category: PenalizeCategory,
	}
	forwardAuditsFlag = &cli.BoolFlag{
		Name:     "forward-audits",
		Sources:  cli.EnvVars("FORWARD_AUDITS"),
		Usage:    "forward audited transactions to the other registered relays",
		Category: PenalizeCategory,
	}
	txFlag = &cli.StringSliceFlag{
		Name:     "tx",
		Usage:    "transaction hash: once for an illegal transaction, twice for a repeated nonce",
		Category: PenalizeCategory,
	}
)
