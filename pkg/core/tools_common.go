package core

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/supremeagent/voicecore/pkg/tools"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	errNoCamera    = errors.New("this device has no camera")
	errNoBacklight = errors.New("this device has no adjustable backlight")
)

// registerCommonTools installs the device-control tools every board
// offers. Tools registered earlier are re-appended afterwards, so the
// common descriptors form a stable prefix across tools/list pages,
// which helps the orchestrator's prompt cache.
func (c *Controller) registerCommonTools() {
	previous := c.srv.ResetTools()

	c.srv.AddFunc("self.get_device_status",
		"Provides the real-time information of the device, including the current status of the audio speaker, screen and camera.\n"+
			"Use this tool for:\n"+
			"1. Answering questions about the current condition (e.g. what is the current volume of the audio speaker?)\n"+
			"2. As the first step to control the device (e.g. turn up / down the volume of the audio speaker)",
		nil,
		func(tools.Properties) (any, error) {
			status, err := c.brd.StatusJSON()
			if err != nil {
				return nil, err
			}
			return json.RawMessage(status), nil
		})

	c.srv.AddFunc("self.audio_speaker.set_volume",
		"Set the volume of the audio speaker. If the user asks to raise or lower the volume, use self.get_device_status first to read the current volume.",
		tools.Properties{tools.IntRange("volume", 0, 100)},
		func(args tools.Properties) (any, error) {
			volume, _ := args.Get("volume")
			c.brd.Speaker.SetVolume(volume.IntValue())
			return true, nil
		})

	c.srv.AddFunc("self.screen.set_brightness",
		"Set the brightness of the screen.",
		tools.Properties{tools.IntRange("brightness", 0, 100)},
		func(args tools.Properties) (any, error) {
			if c.brd.Backlight == nil {
				return nil, errNoBacklight
			}
			brightness, _ := args.Get("brightness")
			c.brd.Backlight.SetBrightness(brightness.IntValue())
			return true, nil
		})

	c.srv.AddFunc("self.screen.set_theme",
		"Set the theme of the screen. The theme can be `light` or `dark`.",
		tools.Properties{tools.String("theme")},
		func(args tools.Properties) (any, error) {
			theme, _ := args.Get("theme")
			c.brd.Display.SetTheme(theme.StringValue())
			return true, nil
		})

	c.srv.AddFunc("self.camera.take_photo",
		"Take a photo and explain it. Use this tool after the user asks you to see something.\n"+
			"Args:\n"+
			"  `question`: The question that the user asks about the photo.",
		tools.Properties{tools.String("question")},
		func(args tools.Properties) (any, error) {
			if c.brd.Camera == nil {
				return nil, errNoCamera
			}
			if !c.brd.Camera.Capture() {
				return nil, errors.New("failed to capture photo")
			}
			question, _ := args.Get("question")
			answer, err := c.brd.Camera.Explain(question.StringValue())
			if err != nil {
				return nil, err
			}
			return json.RawMessage(answer), nil
		})

	c.srv.AddFunc("self.user.account_logout",
		"Log the current user out of this device and return to standby.",
		nil,
		func(tools.Properties) (any, error) {
			if !c.users.IsLoggedIn() {
				return nil, errors.New("no user is logged in")
			}
			c.Schedule(c.performAutoLogout)
			return true, nil
		})

	c.srv.AddFunc("self.user.get_schedules",
		"Get today's schedule of the logged-in user.",
		nil,
		func(tools.Properties) (any, error) {
			if !c.users.IsLoggedIn() {
				return nil, errors.New("no user is logged in")
			}
			schedules := c.users.Profile().Schedules
			data, err := codec.Marshal(map[string]any{
				"count":     len(schedules),
				"schedules": schedules,
			})
			if err != nil {
				return nil, fmt.Errorf("serialize schedules: %w", err)
			}
			return json.RawMessage(data), nil
		})

	for _, t := range previous {
		c.srv.AddTool(t)
	}
}
