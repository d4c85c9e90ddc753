package server

import (
	"runtime/debug"
	"strings"
	"time"

	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/recording"
	"github.com/collabvm/collabvm-server/pkg/registry"
)

// Rate limits, measured on the session's own clock.
const (
	chatInterval   = 250 * time.Millisecond
	renameInterval = 5 * time.Second
)

// handle routes one decoded client message. Runs on the session owner.
// Capability and rate violations are dropped without a reply so the
// capability shape does not leak.
func (s *Session) handle(msg protocol.ClientMessage) {
	if s.closed {
		return
	}

	switch m := msg.(type) {
	// Admission and auth run even while the captcha gate is up.
	case protocol.CaptchaCompleted:
		s.handleCaptchaCompleted(m)
	case protocol.Login:
		s.handleLogin(m)
	case protocol.TwoFactorResponse:
		s.handleTwoFactor(m)
	case protocol.Register:
		s.handleRegister(m)
	case protocol.ValidateInvite:
		s.handleValidateInvite(m)

	case protocol.ConnectToChannel:
		if s.captchaRequired {
			return
		}
		s.connectToChannel(m.Channel)

	case protocol.ChangeUsername:
		// Registered names are fixed; only guests rename.
		if s.captchaRequired || s.userType != protocol.UserTypeGuest {
			return
		}
		s.changeUsername(m.Username)

	case protocol.ChatMessage:
		if s.captchaRequired || m.Text == "" {
			return
		}
		now := time.Now()
		if now.Sub(s.lastChat) < chatInterval {
			return
		}
		s.lastChat = now
		s.routeChat(m)

	case protocol.TurnRequest:
		if s.captchaRequired {
			return
		}
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.Channel.RequestTurn(s) })
		}

	case protocol.EndTurn:
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.Channel.EndTurn(s) })
		}

	case protocol.Vote:
		if s.captchaRequired {
			return
		}
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.Channel.Vote(s, m.Yes) })
		}

	case protocol.GuacInstr:
		if s.captchaRequired {
			return
		}
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.HandleClientGuac(s, m.Instr) })
		}

	case protocol.VMListRequest:
		s.viewingList = true
		srv := s.server
		srv.registry.Dispatch(func() { srv.registry.AddListViewer(s) })

	case protocol.ChangePassword:
		if s.userType == protocol.UserTypeGuest {
			return
		}
		s.changePassword(m)

	case protocol.ServerConfigRequest:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.state.Dispatch(func() {
			srv.configViewers[s] = struct{}{}
			s.QueueMessage(protocol.EncodeServerConfig(srv.settings))
		})

	case protocol.ServerConfigModify:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.state.Dispatch(func() {
			if err := srv.applyServerSettings(m.Settings); err != nil {
				s.logger.Warn("server config rejected", "error", err)
			}
		})

	case protocol.ServerConfigHidden:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.state.Dispatch(func() { delete(srv.configViewers, s) })

	case protocol.CreateVM:
		if !s.IsAdmin() {
			return
		}
		s.createVM(m.Settings)

	case protocol.ReadVMs:
		if !s.IsAdmin() {
			return
		}
		s.viewingAdmin = true
		srv := s.server
		srv.registry.Dispatch(func() { srv.registry.AddAdminViewer(s) })

	case protocol.ReadVMConfig:
		if !s.IsAdmin() {
			return
		}
		if vm, ok := s.server.lookupVM(m.VM); ok {
			vm.Dispatch(func() {
				s.QueueMessage(protocol.EncodeVMConfig(vm.ID, vm.Settings()))
			})
		}

	case protocol.UpdateVMConfig:
		if !s.IsAdmin() {
			return
		}
		s.updateVMConfig(m)

	case protocol.DeleteVM:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.registry.Dispatch(func() {
			srv.vmIndex.Delete(m.VM)
			if err := srv.registry.Delete(m.VM); err != nil {
				s.logger.Error("delete vm", "vm", m.VM, "error", err)
			}
		})

	case protocol.StartVMs:
		if !s.IsAdmin() {
			return
		}
		s.eachVM(m.IDs, func(vm *registry.VM) { vm.Start() })

	case protocol.StopVMs:
		if !s.IsAdmin() {
			return
		}
		s.eachVM(m.IDs, func(vm *registry.VM) { vm.Stop() })

	case protocol.RestartVMs:
		if !s.IsAdmin() {
			return
		}
		s.eachVM(m.IDs, func(vm *registry.VM) { vm.Restart() })

	case protocol.CreateInvite:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		go func() {
			id, err := srv.store.CreateInvite(m.Name, m.Username, m.Admin)
			s.QueueMessage(protocol.EncodeInviteResult(err == nil, id))
		}()

	case protocol.ReadInvites:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		go func() {
			invites, err := srv.store.ReadInvites()
			if err != nil {
				s.logger.Error("read invites", "error", err)
				return
			}
			s.QueueMessage(protocol.EncodeInviteList(invites))
		}()

	case protocol.UpdateInvite:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		go func() {
			err := srv.store.UpdateInvite(m.ID, m.Username, m.Admin)
			s.QueueMessage(protocol.EncodeInviteResult(err == nil, m.ID))
		}()

	case protocol.DeleteInvite:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		go func() {
			err := srv.store.DeleteInvite(m.ID)
			s.QueueMessage(protocol.EncodeInviteResult(err == nil, m.ID))
		}()

	case protocol.CreateReservedName:
		if !s.IsAdmin() || !validateUsername(m.Username) {
			return
		}
		s.modifyReservedName(m.Username, true)

	case protocol.ReadReservedNames:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		go func() {
			names, err := srv.store.ReadReservedUsernames()
			if err != nil {
				s.logger.Error("read reserved usernames", "error", err)
				return
			}
			s.QueueMessage(protocol.EncodeReservedNames(names))
		}()

	case protocol.DeleteReservedName:
		if !s.IsAdmin() {
			return
		}
		s.modifyReservedName(m.Username, false)

	case protocol.BanIP:
		if !s.IsAdmin() {
			return
		}
		s.handleBanIP(m)

	case protocol.SendCaptcha:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.state.Dispatch(func() {
			target, ok := srv.findSessionByUsername(m.Username)
			if !ok {
				return
			}
			target.Dispatch(func() {
				if target.closed {
					return
				}
				target.captchaRequired = true
				target.QueueMessage(protocol.EncodeCaptchaRequired(true))
			})
		})

	case protocol.KickUser:
		if !s.IsAdmin() {
			return
		}
		srv := s.server
		srv.state.Dispatch(func() {
			if target, ok := srv.findSessionByUsername(m.Username); ok {
				target.Dispatch(target.teardown)
			}
		})

	case protocol.PauseTurnTimer:
		if !s.IsAdmin() {
			return
		}
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.Channel.Turn().Pause() })
		}

	case protocol.ResumeTurnTimer:
		if !s.IsAdmin() {
			return
		}
		if vm, ok := s.connectedVM(); ok {
			vm.Dispatch(func() { vm.Channel.Turn().Resume() })
		}

	case protocol.RecordingPreview:
		if !s.IsAdmin() {
			return
		}
		s.handleRecordingPreview(m)
	}
}

// connectedVM resolves the VM channel the session is in; the lobby does
// not qualify. Owner-only.
func (s *Session) connectedVM() (*registry.VM, bool) {
	if !s.inChannel || s.channelID == lobbyID {
		return nil, false
	}
	return s.server.lookupVM(s.channelID)
}

// eachVM dispatches an owner-context action onto each named VM.
func (s *Session) eachVM(ids []uint32, action func(vm *registry.VM)) {
	for _, id := range ids {
		if vm, ok := s.server.lookupVM(id); ok {
			vm := vm
			vm.Dispatch(func() { action(vm) })
		}
	}
}

// connectToChannel joins the lobby or a VM channel, replying with the
// channel's chat history on success.
func (s *Session) connectToChannel(id uint32) {
	if s.inChannel {
		if s.channelID == id {
			return
		}
		s.leaveChannel()
	}

	data := channel.UserData{
		Username: s.username,
		Type:     s.userType,
		IP:       s.ip,
	}

	if id == lobbyID {
		srv := s.server
		srv.state.Dispatch(func() {
			srv.lobby.AddUser(data, s)
			history := srv.lobby.ChatRoom().History()
			s.Dispatch(func() {
				if s.closed {
					return
				}
				s.inChannel = true
				s.channelID = lobbyID
				s.QueueMessage(protocol.EncodeConnectResult(lobbyID, true, history))
			})
		})
		return
	}

	vm, ok := s.server.lookupVM(id)
	if !ok {
		s.QueueMessage(protocol.EncodeConnectResult(id, false, nil))
		return
	}
	guest := s.userType == protocol.UserTypeGuest
	vm.Dispatch(func() {
		if vm.State() != registry.StateRunning || (guest && vm.DisallowsGuests()) {
			s.QueueMessage(protocol.EncodeConnectResult(id, false, nil))
			return
		}
		vm.Channel.AddUser(data, s)
		history := vm.Channel.ChatRoom().History()
		s.Dispatch(func() {
			if s.closed {
				// Raced a teardown; undo the membership.
				vm.Dispatch(func() { vm.Channel.RemoveUser(s) })
				return
			}
			s.inChannel = true
			s.channelID = id
			s.QueueMessage(protocol.EncodeConnectResult(id, true, history))
		})
	})
}

// changeUsername validates and claims a new guest name, then announces it
// through the connected channel.
func (s *Session) changeUsername(newName string) {
	now := time.Now()
	if now.Sub(s.lastRename) < renameInterval {
		return
	}
	s.lastRename = now

	if !validateUsername(newName) {
		s.QueueMessage(protocol.EncodeUsernameTaken())
		return
	}

	oldName := s.username
	srv := s.server
	srv.state.Dispatch(func() {
		if !srv.claimUsername(s, oldName, newName, false) {
			s.QueueMessage(protocol.EncodeUsernameTaken())
			return
		}
		s.Dispatch(func() {
			if s.closed {
				return
			}
			s.username = newName
			s.announceRename(oldName, newName)
		})
	})
}

// announceRename broadcasts the rename through the connected channel, or
// echoes it to the session alone when it is not in one. Owner-only.
func (s *Session) announceRename(oldName, newName string) {
	if !s.inChannel {
		s.QueueMessage(protocol.EncodeUsernameChanged(lobbyID, oldName, newName))
		return
	}
	if s.channelID == lobbyID {
		srv := s.server
		srv.state.Dispatch(func() { srv.lobby.Rename(s, newName) })
		return
	}
	if vm, ok := s.server.lookupVM(s.channelID); ok {
		vm.Dispatch(func() { vm.Channel.Rename(s, newName) })
	}
}

// routeChat sends one chat message to its destination variant.
func (s *Session) routeChat(m protocol.ChatMessage) {
	switch m.DestKind {
	case protocol.ChatDestChannel:
		if !s.inChannel || s.channelID != m.Channel {
			return
		}
		if m.Channel == lobbyID {
			srv := s.server
			srv.state.Dispatch(func() { srv.lobby.AddChatMessage(s, m.Text) })
			return
		}
		if vm, ok := s.server.lookupVM(m.Channel); ok {
			vm.Dispatch(func() {
				data, ok := vm.Channel.GetUserData(s)
				if !ok {
					return
				}
				entry := vm.Channel.ChatRoom().AddMessage(data.Username, data.Type, m.Text)
				msg := protocol.EncodeChat(vm.Channel.ID(), entry)
				vm.Channel.Broadcast(msg)
				vm.RecordMessage(msg)
			})
		}

	case protocol.ChatDestDirect:
		s.sendDirectChat(m.Channel, m.Text)

	case protocol.ChatDestNewDirect:
		s.openDirectChat(m.Username, m.Text)
	}
}

// changePassword verifies and rewrites the account password on the login
// executor.
func (s *Session) changePassword(m protocol.ChangePassword) {
	srv := s.server
	username := s.username
	srv.login.Dispatch(func() {
		err := srv.store.ChangePassword(username, m.Old, m.New)
		s.QueueMessage(protocol.EncodePasswordResult(err == nil))
	})
}

// createVM persists and registers a new VM, replying with its id.
func (s *Session) createVM(settings []protocol.VMSetting) {
	srv := s.server
	srv.registry.Dispatch(func() {
		vm, err := srv.registry.Create(settings)
		if err != nil {
			s.logger.Warn("create vm rejected", "error", err)
			return
		}
		srv.vmIndex.Store(vm.ID, vm)
		s.QueueMessage(protocol.EncodeVMCreated(vm.ID))
	})
}

// updateVMConfig applies a settings change and echoes the merged config.
func (s *Session) updateVMConfig(m protocol.UpdateVMConfig) {
	srv := s.server
	srv.registry.Dispatch(func() {
		if err := srv.registry.UpdateSettings(m.VM, m.Settings); err != nil {
			s.logger.Warn("update vm config rejected", "vm", m.VM, "error", err)
			return
		}
		if vm, ok := srv.registry.Get(m.VM); ok {
			vm.Dispatch(func() {
				s.QueueMessage(protocol.EncodeVMConfig(vm.ID, vm.Settings()))
			})
		}
	})
}

// modifyReservedName creates or deletes a reserved username, keeping the
// state owner's snapshot in step with the database.
func (s *Session) modifyReservedName(name string, create bool) {
	srv := s.server
	go func() {
		var err error
		if create {
			err = srv.store.CreateReservedUsername(name)
		} else {
			err = srv.store.DeleteReservedUsername(name)
		}
		if err != nil {
			s.logger.Error("reserved username update", "create", create, "error", err)
			return
		}
		srv.state.Dispatch(func() {
			key := strings.ToLower(name)
			if create {
				srv.reserved[key] = struct{}{}
			} else {
				delete(srv.reserved, key)
			}
		})
		names, err := srv.store.ReadReservedUsernames()
		if err != nil {
			return
		}
		s.QueueMessage(protocol.EncodeReservedNames(names))
	}()
}

// handleRecordingPreview walks the recording index on its own goroutine,
// streaming thumbnails and always finishing with a result frame.
func (s *Session) handleRecordingPreview(m protocol.RecordingPreview) {
	srv := s.server
	req := recording.PreviewRequest{
		VM:           m.VM,
		StartMs:      m.StartMs,
		StopMs:       m.StopMs,
		Width:        m.Width,
		Height:       m.Height,
		TimeInterval: m.TimeInterval,
	}
	go func() {
		// A corrupt recording must not take the process down; contain it
		// like an executor task and report the walk as failed.
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("recording preview panic",
					"panic", r,
					"stack", string(debug.Stack()))
				s.QueueMessage(protocol.EncodeRecordingResult(false))
			}
		}()
		ok := recording.Preview(req, srv.store, func(timestamp uint64, png []byte) {
			s.QueueMessage(protocol.EncodeRecordingPreview(timestamp, m.VM, png))
		}, s.logger)
		s.QueueMessage(protocol.EncodeRecordingResult(ok))
	}()
}
