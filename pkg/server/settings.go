package server

import "github.com/collabvm/collabvm-server/pkg/protocol"

// Server settings live on the state owner as a slot-per-kind list loaded
// at boot. Modification is admin-only and idempotent; every change is
// persisted and pushed to the sessions viewing the admin config panel.

// captchaSettings reads the CAPTCHA slot. State-owner only.
func (srv *Server) captchaSettings() protocol.CaptchaSettings {
	return srv.settings[protocol.ServerSettingCaptcha].Captcha
}

// captchaGateEnabled reports whether fresh connections start gated.
// State-owner only.
func (srv *Server) captchaGateEnabled() bool {
	return srv.settings[protocol.ServerSettingCaptcha].Captcha.Enabled &&
		srv.settings[protocol.ServerSettingCaptchaRequired].CaptchaRequired
}

// applyServerSettings merges a modification list, persists it, pushes the
// side effects into their owners, and broadcasts the new config to admin
// viewers. State-owner only.
func (srv *Server) applyServerSettings(mods []protocol.ServerSetting) error {
	merged, err := protocol.MergeServerSettings(srv.settings, mods)
	if err != nil {
		return err
	}
	if err := srv.store.SaveServerSettings(mods); err != nil {
		return err
	}
	srv.settings = merged
	srv.ipTable.SetLimit(
		merged[protocol.ServerSettingMaxConnectionsEnabled].MaxConnectionsEnabled,
		merged[protocol.ServerSettingMaxConnections].MaxConnections,
	)

	msg := protocol.EncodeServerConfig(merged)
	for viewer := range srv.configViewers {
		viewer.QueueMessage(msg)
	}
	return nil
}
