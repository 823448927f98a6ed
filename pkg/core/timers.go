package core

import (
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/device"
	"github.com/supremeagent/voicecore/pkg/session"
)

// Timer callbacks run on their own goroutine. They only read the atomic
// state snapshot to decide whether to act, then marshal real work onto
// the loop, which re-validates before mutating anything.

func (c *Controller) startClockTimer() {
	c.clockTimer.StartPeriodic(c.cfg.ClockTick, func() {
		c.Schedule(func() {
			c.clockTicks++
			c.brd.Display.UpdateStatusBar()
		})
	})
}

func (c *Controller) startCameraPreview() {
	if c.brd.Camera == nil {
		return
	}
	c.previewTimer.StartPeriodic(c.cfg.CameraPreviewInterval, func() {
		if c.State() == device.StateLogin {
			c.brd.Camera.Capture()
		}
	})
}

func (c *Controller) stopCameraPreview() {
	c.previewTimer.Stop()
}

func (c *Controller) startCameraUpload() {
	if c.brd.Camera == nil || c.deps.Uploader == nil {
		return
	}
	c.uploadCount = 0
	c.uploadTimer.StartPeriodic(c.cfg.CameraUploadInterval, func() {
		if c.State() != device.StateLogin {
			return
		}
		c.Schedule(c.uploadTick)
	})
}

func (c *Controller) stopCameraUpload() {
	if c.uploadTimer.Armed() {
		c.uploadTimer.Stop()
		log.Infof("core: camera upload stopped after %d/%d attempts", c.uploadCount, c.cfg.MaxUploadCount)
	}
	c.uploadCount = 0
}

// uploadTick captures one frame and submits it for recognition. The
// network round trip runs off-loop; a recognized user is logged in back
// on the loop.
func (c *Controller) uploadTick() {
	if c.State() != device.StateLogin {
		return
	}
	if c.uploadCount >= c.cfg.MaxUploadCount {
		log.Infof("core: reached maximum upload count (%d), no user recognized", c.cfg.MaxUploadCount)
		c.stopCameraUpload()
		c.showRegistrationPrompt()
		return
	}
	if !c.brd.Camera.Capture() {
		return
	}
	c.uploadCount++
	log.Infof("core: camera upload %d/%d", c.uploadCount, c.cfg.MaxUploadCount)

	frame, ok := c.brd.Camera.RawData()
	if !ok {
		log.Errorf("core: no frame data available")
		return
	}

	go func() {
		profile, recognized, err := c.deps.Uploader.Upload(frame)
		if err != nil {
			log.Errorf("core: photo upload failed: %v", err)
			return
		}
		if !recognized {
			return
		}
		c.Schedule(func() { c.onLoginRecognized(profile) })
	}()
}

// onLoginRecognized completes a photo login. Loop-owned.
func (c *Controller) onLoginRecognized(profile session.Profile) {
	if c.State() != device.StateLogin {
		return
	}
	log.Infof("core: user %s recognized", profile.Name)
	c.users.Login(profile)
	c.stopCameraUpload()
	c.checkActivationAfterLogin()
}

// checkActivationAfterLogin gates the post-login flow on the device
// activation flag: an activated device greets the user and arms the
// inspection; an unactivated one shows the activation code.
func (c *Controller) checkActivationAfterLogin() {
	if !c.activated {
		c.showActivationPrompt()
		return
	}

	c.pendingInspection = true
	c.startInspectionTimer()
	c.startAutoLogoutTimer()
	c.startDailyCheckTimer()
	c.triggerWakeWordFlow()
}

// triggerWakeWordFlow opens a conversation as if the wake word had been
// spoken, so the server greets the freshly logged-in user.
func (c *Controller) triggerWakeWordFlow() {
	if c.proto == nil {
		c.setDeviceState(device.StateIdle)
		return
	}

	c.brd.Audio.EncodeWakeWord()
	if !c.proto.IsAudioChannelOpened() {
		c.setDeviceState(device.StateConnecting)
		if err := c.proto.OpenAudioChannel(); err != nil {
			log.Errorf("core: open audio channel after login failed: %v", err)
			c.setDeviceState(device.StateIdle)
			c.brd.Audio.EnableWakeWordDetection(true)
			return
		}
	}
	c.sendWakeWord()
	c.setListeningMode(c.conversationMode())
}

func (c *Controller) showRegistrationPrompt() {
	deviceID := deviceIDFromMAC(c.brd.MACAddress)
	message := "Register this device at " + c.cfg.RegistrationURL + "\nDevice ID: " + deviceID
	log.Infof("core: showing registration prompt, device %s", deviceID)

	display := c.brd.Display
	display.SetStatus("Registration")
	display.SetEmotion("neutral")
	display.SetChatMessage("system", message)
	c.stopCameraPreview()

	// Return to standby without the Idle entry actions so the prompt
	// stays on screen.
	c.state.Store(int32(device.StateIdle))
	if c.proto != nil {
		c.proto.SetDeviceState(device.StateIdle)
	}
	c.brd.Audio.EnableVoiceProcessing(false)
	c.brd.Audio.EnableWakeWordDetection(true)
}

func (c *Controller) showActivationPrompt() {
	if c.deps.Activator == nil {
		log.Warningf("core: device not activated and no activator available")
		c.setDeviceState(device.StateIdle)
		return
	}
	code, ok := c.deps.Activator.ActivationCode()
	if !ok {
		c.alert("error", "Failed to fetch activation code", "sad")
		c.setDeviceState(device.StateIdle)
		return
	}
	c.setDeviceState(device.StateActivating)
	c.brd.Display.SetStatus("Activation")
	c.brd.Display.SetChatMessage("system", "Activation code: "+code)
}

// MarkActivated records a completed activation.
func (c *Controller) MarkActivated() {
	c.Schedule(func() {
		c.activated = true
		if c.deps.Activation != nil {
			if err := c.deps.Activation.Save(true); err != nil {
				log.Errorf("core: save activation status failed: %v", err)
			}
		}
	})
}

func (c *Controller) startInspectionTimer() {
	c.inspectionTimer.StartOnce(c.cfg.InspectionDelay, func() {
		c.Schedule(func() {
			if !c.pendingInspection {
				return
			}
			log.Infof("core: inspection delay elapsed, sending request")
			c.pendingInspection = false
			c.loginTTSCompleted = false
			c.requestInspection()
		})
	})
}

func (c *Controller) clearInspectionFlags() {
	c.pendingInspection = false
	c.loginTTSCompleted = false
	c.inspectionTimer.Stop()
}

// requestInspection hands the inspection request to the collaborator
// off-loop; it fires at most once per login.
func (c *Controller) requestInspection() {
	c.inspectionTimer.Stop()
	if c.deps.Inspector == nil {
		return
	}
	deviceID := c.brd.MACAddress
	go func() {
		if err := c.deps.Inspector.RequestInspection(deviceID); err != nil {
			log.Errorf("core: inspection request failed: %v", err)
			return
		}
		log.Infof("core: inspection request sent")
	}()
}

func (c *Controller) startAutoLogoutTimer() {
	c.logoutTimer.StartOnce(c.cfg.AutoLogoutAfter, func() {
		c.Schedule(c.performAutoLogout)
	})
}

// performAutoLogout ends the login session, interrupts any conversation
// and returns to standby. Loop-owned.
func (c *Controller) performAutoLogout() {
	log.Infof("core: session window elapsed, logging out")
	c.logoutTimer.Stop()
	c.clearInspectionFlags()
	c.users.Logout()

	if c.State() == device.StateSpeaking {
		c.abortSpeaking(device.AbortReasonNone)
	}
	if c.State() == device.StateListening && c.proto != nil {
		if err := c.proto.SendStopListening(); err != nil {
			log.Errorf("core: stop-listening send failed: %v", err)
		}
	}
	c.setDeviceState(device.StateIdle)
	c.brd.Display.SetChatMessage("system", "Session expired, logged out automatically")
}

func (c *Controller) startDailyCheckTimer() {
	c.dailyTimer.StartPeriodic(c.cfg.DailyCheckInterval, func() {
		if !c.users.IsLoggedIn() {
			return
		}
		c.Schedule(c.checkDailyExpiration)
	})
}

// checkDailyExpiration reloads the persisted session; a date rollover
// logs the user out with the full logout sequence. Loop-owned.
func (c *Controller) checkDailyExpiration() {
	if !c.users.IsLoggedIn() {
		return
	}
	if c.users.Reload() {
		return
	}

	log.Infof("core: login expired on date rollover, logging out")
	c.logoutTimer.Stop()
	c.dailyTimer.Stop()
	c.clearInspectionFlags()

	if c.State() == device.StateSpeaking {
		c.abortSpeaking(device.AbortReasonNone)
	}
	if c.State() == device.StateListening && c.proto != nil {
		if err := c.proto.SendStopListening(); err != nil {
			log.Errorf("core: stop-listening send failed: %v", err)
		}
	}
	c.setDeviceState(device.StateIdle)
	c.brd.Display.SetChatMessage("system", "Login expired, please log in again")
}

// startStandbyConnectTimer schedules the delayed standby reconnection so
// the server can push notifications while the device idles. The grace
// period lets the server clear the previous connection first.
func (c *Controller) startStandbyConnectTimer() {
	c.standbyTimer.StartOnce(c.cfg.StandbyConnectGrace, func() {
		c.Schedule(func() {
			if c.State() != device.StateIdle || !c.users.IsLoggedIn() ||
				c.proto == nil || c.proto.IsAudioChannelOpened() {
				return
			}
			log.Infof("core: opening standby channel for notifications")
			if err := c.proto.OpenAudioChannel(); err != nil {
				log.Warningf("core: standby channel open failed: %v", err)
			}
		})
	})
}
