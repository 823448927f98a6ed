package board

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusJSON summarizes the live device condition for the
// self.get_device_status tool.
func (b *Board) StatusJSON() ([]byte, error) {
	status := map[string]any{
		"board": map[string]any{
			"name": b.Name,
			"mac":  b.MACAddress,
		},
	}
	if b.Speaker != nil {
		status["audio_speaker"] = map[string]any{"volume": b.Speaker.Volume()}
	}
	if b.Display != nil {
		screen := map[string]any{}
		if theme := b.Display.Theme(); theme != "" {
			screen["theme"] = theme
		}
		status["screen"] = screen
	}
	if b.Camera != nil {
		status["camera"] = map[string]any{"present": true}
	}
	return json.Marshal(status)
}
