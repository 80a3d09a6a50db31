// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"

	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/mining"
	"github.com/meowcoin/meowminer/internal/pool"
)

const (
	defaultLogLevel       = "info"
	defaultConfigFilename = "meowminer.conf"
	defaultLogDirname     = "log"
	defaultLogFilename    = "meowminer.log"
)

var (
	defaultHomeDir    = appDataDir("meowminer")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config describes the miner configuration.
type config struct {
	HomeDir    string `long:"appdata" ini-name:"appdata" description:"Path to application home directory."`
	ConfigFile string `long:"configfile" ini-name:"configfile" description:"Path to configuration file."`
	DebugLevel string `long:"debuglevel" ini-name:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems."`
	LogDir     string `long:"logdir" ini-name:"logdir" description:"The log output directory."`
	MaxProcs   int    `long:"maxprocs" ini-name:"maxprocs" description:"Number of CPU cores to use. Default is all cores."`

	Pools []string `long:"pool" ini-name:"pool" description:"Pool connection URI. May be specified multiple times; pools are tried in order, index zero is the primary. Use the literal 'exit' as a final failover to terminate instead of retrying."`

	GetWorkPollInterval  uint    `long:"getworkpollinterval" ini-name:"getworkpollinterval" description:"Interval between getwork requests, in milliseconds."`
	NoWorkTimeout        uint    `long:"noworktimeout" ini-name:"noworktimeout" description:"Drop the connection when no new job arrives within this many seconds."`
	NoResponseTimeout    uint    `long:"noresponsetimeout" ini-name:"noresponsetimeout" description:"Drop the connection when the pool does not respond within this many seconds."`
	PoolFailoverTimeout  uint    `long:"poolfailovertimeout" ini-name:"poolfailovertimeout" description:"Return to the primary pool after mining this many minutes on a failover. Zero disables the fallback."`
	ReportHashrate       bool    `long:"reporthashrate" ini-name:"reporthashrate" description:"Report the farm hash rate to the pool."`
	HashRateInterval     uint    `long:"hashrateinterval" ini-name:"hashrateinterval" description:"Interval between hash rate submissions, in seconds."`
	HashRateID           string  `long:"hashrateid" ini-name:"hashrateid" description:"Unique identifier for hash rate submissions. Randomized when empty."`
	ConnectionMaxRetries uint    `long:"connectionmaxretries" ini-name:"connectionmaxretries" description:"Rotate to the next pool after this many failed connection attempts."`
	BenchmarkBlock       uint64  `long:"benchmarkblock" ini-name:"benchmarkblock" description:"Block number served by the simulation client."`
	BenchmarkDiff        float64 `long:"benchmarkdiff" ini-name:"benchmarkdiff" description:"Difficulty served by the simulation client."`

	CPUDevices   uint `long:"cpudevices" ini-name:"cpudevices" description:"Number of logical CPU mining devices."`
	Streams      uint `long:"streams" ini-name:"streams" description:"Concurrent device streams per miner."`
	Schedule     uint `long:"schedule" ini-name:"schedule" description:"Device scheduling hint {0: auto, 1: spin, 2: yield, 3: blocking}."`
	GridSize     uint `long:"gridsize" ini-name:"gridsize" description:"Launch grid size."`
	BlockSize    uint `long:"blocksize" ini-name:"blocksize" description:"Launch block size."`
	ParallelHash uint `long:"parallelhash" ini-name:"parallelhash" description:"Per-thread hash unrolling hint."`

	GlobalWorkSize           uint `long:"globalworksize" ini-name:"globalworksize" description:"OpenCL global work size. Overrides the multiplier when non-zero."`
	GlobalWorkSizeMultiplier uint `long:"globalworksizemultiplier" ini-name:"globalworksizemultiplier" description:"OpenCL global work size as a multiple of the local work size."`
	LocalWorkSize            uint `long:"localworksize" ini-name:"localworksize" description:"OpenCL local work size."`

	DagLoadMode  string `long:"dagloadmode" ini-name:"dagloadmode" description:"DAG generation scheduling across devices {parallel, sequential}."`
	Ergodicity   uint   `long:"ergodicity" ini-name:"ergodicity" description:"Nonce segment shuffle policy {0: never, 1: on connection, 2: per job}."`
	SegmentWidth uint   `long:"segmentwidth" ini-name:"segmentwidth" description:"Bit width of each worker's private nonce segment."`
	TempStart    uint   `long:"tempstart" ini-name:"tempstart" description:"Resume mining below this temperature, in degrees Celsius."`
	TempStop     uint   `long:"tempstop" ini-name:"tempstop" description:"Suspend mining above this temperature, in degrees Celsius."`

	APIListen string `long:"apilisten" ini-name:"apilisten" description:"Enable the telemetry API on the provided host:port. Empty disables the API."`
	APIAdmin  bool   `long:"apiadmin" ini-name:"apiadmin" description:"Allow mutating API endpoints."`
}

// appDataDir returns an operating system specific data directory for the
// application.
func appDataDir(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, strings.Title(appName))
		}
		return filepath.Join(home, strings.Title(appName))
	case "darwin":
		return filepath.Join(home, "Library", "Application Support",
			strings.Title(appName))
	default:
		return filepath.Join(home, "."+appName)
	}
}

// validLogLevel returns whether or not logLevel is a valid debug log
// level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems
// for logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and
// set the levels accordingly. An appropriate error is returned if
// anything is invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); os.IsNotExist(err) {
		return false
	}
	return true
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or
	// ~otheruser to otheruser's home directory. On Windows, both forward
	// and backward slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// randomHashRateID draws a random rig identifier for hash rate
// submissions.
func randomHashRateID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0x0"
	}
	return "0x" + hex.EncodeToString(b[:])
}

// poolSettings converts the configuration to pool manager settings.
func (cfg *config) poolSettings() (pool.Settings, error) {
	var connections []*pool.URI
	for _, raw := range cfg.Pools {
		uri, err := pool.ParseURI(raw)
		if err != nil {
			return pool.Settings{}, err
		}
		connections = append(connections, uri)
	}
	return pool.Settings{
		Connections:          connections,
		GetWorkPollInterval:  time.Duration(cfg.GetWorkPollInterval) * time.Millisecond,
		NoWorkTimeout:        time.Duration(cfg.NoWorkTimeout) * time.Second,
		NoResponseTimeout:    time.Duration(cfg.NoResponseTimeout) * time.Second,
		PoolFailoverTimeout:  time.Duration(cfg.PoolFailoverTimeout) * time.Minute,
		ReportHashrate:       cfg.ReportHashrate,
		HashRateInterval:     time.Duration(cfg.HashRateInterval) * time.Second,
		HashRateID:           cfg.HashRateID,
		ConnectionMaxRetries: uint32(cfg.ConnectionMaxRetries),
		BenchmarkBlock:       cfg.BenchmarkBlock,
		BenchmarkDiff:        cfg.BenchmarkDiff,
	}, nil
}

// farmConfig converts the configuration to farm policy.
func (cfg *config) farmConfig() mining.Config {
	schedule := device.ScheduleAuto
	switch cfg.Schedule {
	case 1:
		schedule = device.ScheduleSpin
	case 2:
		schedule = device.ScheduleYield
	case 3:
		schedule = device.ScheduleBlocking
	}

	dagLoad := mining.DagLoadParallel
	if strings.EqualFold(cfg.DagLoadMode, "sequential") {
		dagLoad = mining.DagLoadSequential
	}

	return mining.Config{
		Settings: mining.WorkerSettings{
			Streams:      uint32(cfg.Streams),
			Schedule:     schedule,
			GridSize:     uint32(cfg.GridSize),
			BlockSize:    uint32(cfg.BlockSize),
			ParallelHash: uint32(cfg.ParallelHash),
		},
		SegmentWidth: uint32(cfg.SegmentWidth),
		Ergodicity:   mining.Ergodicity(cfg.Ergodicity),
		DagLoadMode:  dagLoad,
		TempStart:    uint32(cfg.TempStart),
		TempStop:     uint32(cfg.TempStop),
	}
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//	1) Start with a default config with sane settings
//	2) Pre-parse the command line to check for an alternative config file
//	3) Load configuration file overwriting defaults with any specified options
//	4) Parse CLI options and overwrite/add any specified options
//
// The above results in the miner functioning properly without any config
// settings while still allowing the user to override settings with
// config files and command line options. Command line options always
// take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:                  defaultHomeDir,
		ConfigFile:               defaultConfigFile,
		DebugLevel:               defaultLogLevel,
		LogDir:                   defaultLogDir,
		GetWorkPollInterval:      1000,
		NoWorkTimeout:            180,
		NoResponseTimeout:        10,
		HashRateInterval:         60,
		ConnectionMaxRetries:     3,
		BenchmarkDiff:            1.0,
		CPUDevices:               1,
		Streams:                  2,
		GridSize:                 256,
		BlockSize:                512,
		ParallelHash:             4,
		GlobalWorkSizeMultiplier: 32768,
		LocalWorkSize:            256,
		DagLoadMode:              "parallel",
		SegmentWidth:             16,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified. Any errors aside from the help message error
	// can be ignored here since they will be caught by the final parse
	// below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) {
			if e.Type != flags.ErrHelp {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			} else {
				fmt.Fprintln(os.Stdout, err)
				os.Exit(0)
			}
		}
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// Update the home directory if specified. Since the home directory
	// is updated, other variables need to be updated to reflect the new
	// changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			defaultConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
			preCfg.ConfigFile = defaultConfigFile
			cfg.ConfigFile = defaultConfigFile
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Create a default config file when one does not exist and the user
	// did not specify an override.
	if !fileExists(preCfg.ConfigFile) {
		err := os.MkdirAll(filepath.Dir(preCfg.ConfigFile), 0700)
		if err == nil {
			preIni := flags.NewIniParser(preParser)
			err = preIni.WriteFile(preCfg.ConfigFile, flags.IniDefault)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("error creating a default "+
				"config file: %v", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	if preCfg.ConfigFile != defaultConfigFile || fileExists(preCfg.ConfigFile) {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			var e *os.PathError
			if !errors.As(err, &e) {
				fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	const funcName = "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Initialize log rotation. After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if len(cfg.Pools) == 0 {
		str := "%s: at least one pool connection is required"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Validate every connection definition up front so a bad failover
	// entry does not surface mid-rotation.
	for _, raw := range cfg.Pools {
		if _, err := pool.ParseURI(raw); err != nil {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	if cfg.HashRateID == "" {
		cfg.HashRateID = randomHashRateID()
	}

	if cfg.Ergodicity > 2 {
		str := "%s: ergodicity must be 0, 1 or 2"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.SegmentWidth == 0 || cfg.SegmentWidth > 32 {
		log.Warnf("%d is not a valid segment width. Defaulting to 16.",
			cfg.SegmentWidth)
		cfg.SegmentWidth = 16
	}

	availableCPUs := runtime.NumCPU()
	if cfg.MaxProcs < 1 || cfg.MaxProcs > availableCPUs {
		cfg.MaxProcs = availableCPUs
	}

	// Warn about a missing config file only after all other
	// configuration is done. This prevents the warning on help messages
	// and invalid options. Note this should go directly before the
	// return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
