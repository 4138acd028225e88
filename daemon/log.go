package daemon

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btclog"

	"github.com/askexperts/expertlib/client"
	"github.com/askexperts/expertlib/expert"
	"github.com/askexperts/expertlib/payments"
	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
	"github.com/askexperts/expertlib/scheduler"
	"github.com/askexperts/expertlib/smartclient"
	"github.com/askexperts/expertlib/worker"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers are created from it.
var (
	logBackend = btclog.NewBackend(os.Stdout)

	xptdLog = logBackend.Logger("XPTD")
	protLog = logBackend.Logger("PROT")
	rlayLog = logBackend.Logger("RLAY")
	paymLog = logBackend.Logger("PAYM")
	clntLog = logBackend.Logger("CLNT")
	xprtLog = logBackend.Logger("XPRT")
	schdLog = logBackend.Logger("SCHD")
	wrkrLog = logBackend.Logger("WRKR")
	smrtLog = logBackend.Logger("SMRT")
)

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"XPTD": xptdLog,
	"PROT": protLog,
	"RLAY": rlayLog,
	"PAYM": paymLog,
	"CLNT": clntLog,
	"XPRT": xprtLog,
	"SCHD": schdLog,
	"WRKR": wrkrLog,
	"SMRT": smrtLog,
}

func init() {
	protocol.UseLogger(protLog)
	relaypool.UseLogger(rlayLog)
	payments.UseLogger(paymLog)
	client.UseLogger(clntLog)
	expert.UseLogger(xprtLog)
	scheduler.UseLogger(schdLog)
	worker.UseLogger(wrkrLog)
	smartclient.UseLogger(smrtLog)
}

// setLogLevel sets the logging level for provided subsystem.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level, or parses per-subsystem pairs of the form
// <subsystem>=<level>.
func setLogLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, "=") {
		if _, ok := btclog.LevelFromString(debugLevel); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", debugLevel)
		}
		for subsystemID := range subsystemLoggers {
			setLogLevel(subsystemID, debugLevel)
		}
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		subsystemID, logLevel := fields[0], fields[1]

		if _, ok := subsystemLoggers[subsystemID]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid", subsystemID)
		}
		if _, ok := btclog.LevelFromString(logLevel); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", logLevel)
		}
		setLogLevel(subsystemID, logLevel)
	}
	return nil
}
