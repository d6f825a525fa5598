package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/ontimeapp/ontime/internal/config"
	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/handlers"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/recovery"
	"github.com/ontimeapp/ontime/internal/scheduler"
	"github.com/ontimeapp/ontime/internal/services"
)

var (
	meetingFile   string
	broadcastFlag bool
	portOverride  int
	noRecover     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a meeting and start timing",
	Long: `# ⏱️ ontime run

Loads a meeting file, recovers any interrupted session, and starts the
timer core.

## 📖 Examples

` + "```bash" + `
# Load a midweek meeting and time it
ontime run --meeting midweek.json

# Resume whatever was interrupted, serving network displays
ontime run --broadcast
` + "```" + `

Meeting files are JSON or YAML. When a session from a previous launch was
interrupted, it is resumed automatically unless **--no-recover** is given.`,
	RunE: runMeeting,
}

func init() {
	runCmd.Flags().StringVarP(&meetingFile, "meeting", "m", "", "meeting file to load (JSON or YAML)")
	runCmd.Flags().BoolVarP(&broadcastFlag, "broadcast", "b", false, "serve network displays")
	runCmd.Flags().IntVarP(&portOverride, "port", "p", 0, "network display port (overrides settings)")
	runCmd.Flags().BoolVar(&noRecover, "no-recover", false, "discard any interrupted session")
	rootCmd.AddCommand(runCmd)
}

func runMeeting(cmd *cobra.Command, args []string) error {
	logger.Configure(logger.GetLogLevelFromEnv(), true)
	logger.Infof("⏱️ OnTime %s starting, data dir: %s", Version, config.Runtime.DataDir)

	sched := scheduler.NewWallScheduler()
	defer sched.Close()

	bus := events.NewBus()
	settings := models.NewSettingsManager(config.Runtime.SettingsFile)

	// The core is single-threaded on the scheduler's dispatch goroutine, so
	// it is built there too
	var (
		orch       *services.MeetingOrchestrator
		sessionMgr *services.SessionManager
	)
	sched.RunWait(func() {
		timer := services.NewTimer(sched, bus)
		orch = services.NewMeetingOrchestrator(timer, sched, bus, settings.Settings)
		sessionMgr = services.NewSessionManager(sched, bus)
		sessionMgr.SetSource(orch)
		orch.SetSessionManager(sessionMgr)
	})

	reminders := services.NewReminderService(sched, bus, settings)
	defer reminders.Close()

	// a session begins the moment a meeting starts
	var activeMeeting *models.Meeting
	var activeMeetingFile string
	bus.Subscribe(func(event events.AppEvent) {
		if event.Type != events.MeetingStartedEvent {
			return
		}
		if activeMeeting != nil && !sessionMgr.HasActiveSession() {
			sessionMgr.StartSession(activeMeeting, activeMeetingFile)
		}
	})

	watcher := services.NewSettingsWatcher(sched, bus, settings, orch)
	if err := watcher.Start(); err != nil {
		logger.Warnf("settings watcher unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	recovered := maybeRecoverSession(sched, sessionMgr, orch, &activeMeeting, &activeMeetingFile)

	if meetingFile != "" && !recovered {
		meeting, err := models.LoadMeetingFile(meetingFile)
		if err != nil {
			return fmt.Errorf("failed to load meeting: %w", err)
		}
		activeMeeting = meeting
		activeMeetingFile = meetingFile
		sched.Run(func() {
			orch.SetMeeting(meeting)
		})
		logger.Infof("📋 loaded meeting: %s (%d parts)", meeting.Title, len(meeting.AllParts()))
	}

	wantBroadcast := broadcastFlag || settings.Settings.NetworkDisplay.AutoStart
	var app *fiber.App
	var broadcast *handlers.BroadcastHandler
	if wantBroadcast {
		port := settings.Settings.NetworkDisplay.Port
		if portOverride != 0 {
			port = portOverride
		}
		app, broadcast = startBroadcast(sched, bus, orch, port)
		sched.Run(func() {
			sessionMgr.SetNetworkBroadcastActive(true)
		})
	}

	// Block until interrupted; the scheduler goroutine runs the meeting
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	if broadcast != nil {
		broadcast.Stop()
	}
	if app != nil {
		if err := app.Shutdown(); err != nil {
			logger.Warnf("display server shutdown: %v", err)
		}
	}
	sched.RunWait(func() {
		sessionMgr.EndSession(true)
	})
	return nil
}

// maybeRecoverSession resumes an interrupted session from the last launch.
// A stale snapshot or an edited meeting file discards the session instead of
// resuming into the wrong content.
func maybeRecoverSession(sched scheduler.Scheduler, sessionMgr *services.SessionManager, orch *services.MeetingOrchestrator, activeMeeting **models.Meeting, activeMeetingFile *string) bool {
	session := sessionMgr.CheckForRecovery()
	if session == nil {
		return false
	}
	if noRecover {
		logger.Info("discarding interrupted session (--no-recover)")
		sessionMgr.ClearSession()
		return false
	}
	if sessionMgr.IsSessionStale(session) {
		logger.Info("interrupted session is too old, discarding")
		sessionMgr.ClearSession()
		return false
	}

	meeting, err := sessionMgr.LoadRecoveryMeeting(session)
	if err != nil {
		logger.Warnf("cannot reload meeting for interrupted session: %v", err)
		sessionMgr.ClearSession()
		return false
	}
	if sessionMgr.IsMeetingChanged(session, meeting) {
		logger.Info("meeting content changed since interruption, discarding session")
		sessionMgr.ClearSession()
		return false
	}

	adjusted := sessionMgr.CalculateAdjustedState(session)
	sched.RunWait(func() {
		orch.RestoreSession(session, adjusted, meeting)
	})
	sessionMgr.ResumeSession(session)
	*activeMeeting = meeting
	*activeMeetingFile = session.MeetingFile

	logger.Infof("🔁 resumed interrupted meeting at part %d (%s)", session.CurrentPartIndex, session.TimerState)

	if session.NetworkBroadcastActive {
		broadcastFlag = true
	}
	return true
}

// startBroadcast serves network displays in the background
func startBroadcast(sched scheduler.Scheduler, bus *events.Bus, orch *services.MeetingOrchestrator, port int) (*fiber.App, *handlers.BroadcastHandler) {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "ontime",
	})
	broadcast := handlers.NewBroadcastHandler(sched, bus, orch)
	broadcast.RegisterRoutes(app)

	recovery.SafeGo("display-server", func() {
		logger.Infof("🌐 network display server listening on :%d", port)
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			logger.Errorf("display server stopped: %v", err)
		}
	})
	return app, broadcast
}
