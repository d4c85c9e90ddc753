package server

import (
	"context"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/collabvm/collabvm-server/internal/banip"
	"github.com/collabvm/collabvm-server/internal/db"
	"github.com/collabvm/collabvm-server/pkg/protocol"
)

const (
	maxPasswordLen = 160
	totpKeyLen     = 20

	captchaVerifyTimeout = 10 * time.Second
)

// verifyCaptcha checks a token against the configured provider and hops
// the verdict back onto the session owner. A disabled provider verifies
// everything.
func (s *Session) verifyCaptcha(token string, then func(ok bool)) {
	srv := s.server
	srv.state.Dispatch(func() {
		cs := srv.captchaSettings()
		if !cs.Enabled {
			s.Dispatch(func() { then(true) })
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), captchaVerifyTimeout)
			defer cancel()
			ok, err := srv.verifier.Verify(ctx, cs.URL, cs.Key, token)
			if err != nil {
				s.logger.Error("captcha verify", "error", err)
				ok = false
			}
			if !ok {
				srv.metrics.captchaFailures.Inc()
			}
			s.Dispatch(func() { then(ok) })
		}()
	})
}

func (s *Session) handleCaptchaCompleted(m protocol.CaptchaCompleted) {
	if !s.captchaRequired {
		return
	}
	s.verifyCaptcha(m.Token, func(ok bool) {
		if s.closed {
			return
		}
		if ok {
			s.captchaRequired = false
		}
		s.QueueMessage(protocol.EncodeCaptchaRequired(s.captchaRequired))
	})
}

func (s *Session) handleLogin(m protocol.Login) {
	if s.userType != protocol.UserTypeGuest {
		return
	}
	s.verifyCaptcha(m.CaptchaToken, func(ok bool) {
		if s.closed {
			return
		}
		if !ok {
			s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginInvalidCaptcha, nil, ""))
			return
		}
		srv := s.server
		srv.login.Dispatch(func() {
			result, err := srv.store.Login(m.Username, m.Password)
			s.Dispatch(func() {
				if s.closed {
					return
				}
				if err != nil {
					s.logger.Error("login", "error", err)
					s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginInvalidCredentials, nil, ""))
					return
				}
				switch result.Outcome {
				case db.LoginBadCredentials:
					s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginInvalidCredentials, nil, ""))
				case db.LoginDisabled:
					s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginAccountDisabled, nil, ""))
				case db.LoginNeedTwoFactor:
					s.pendingTOTP = result.TOTPSecret
					s.pendingTOTPUser = result.Username
					s.pendingTOTPAdmin = result.Admin
					s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginTwoFactorRequired, nil, ""))
				case db.LoginOK:
					s.mintSession(result.Username, result.Admin, false)
				}
			})
		})
	})
}

func (s *Session) handleTwoFactor(m protocol.TwoFactorResponse) {
	if s.pendingTOTP == "" {
		return
	}
	if !totp.Validate(m.Code, s.pendingTOTP) {
		// The pending state survives for another attempt.
		s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginTwoFactorFailed, nil, ""))
		return
	}
	username, admin := s.pendingTOTPUser, s.pendingTOTPAdmin
	s.pendingTOTP, s.pendingTOTPUser, s.pendingTOTPAdmin = "", "", false
	s.mintSession(username, admin, false)
}

func (s *Session) handleRegister(m protocol.Register) {
	if s.userType != protocol.UserTypeGuest {
		return
	}
	if len(m.Password) == 0 || len(m.Password) > maxPasswordLen {
		s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterPasswordInvalid, nil, ""))
		return
	}
	if len(m.TOTPKey) != 0 && len(m.TOTPKey) != totpKeyLen {
		s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterTOTPKeyInvalid, nil, ""))
		return
	}
	var secret string
	if len(m.TOTPKey) == totpKeyLen {
		secret = base32.StdEncoding.EncodeToString(m.TOTPKey)
	}
	if !validateUsername(m.Username) {
		s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterUsernameInvalid, nil, ""))
		return
	}

	if len(m.InviteID) > 0 {
		// Invites are a credential of their own; no captcha.
		s.registerWithInvite(m, secret)
		return
	}

	srv := s.server
	srv.state.Dispatch(func() {
		allowed := srv.settings[protocol.ServerSettingAllowRegistration].AllowRegistration
		s.Dispatch(func() {
			if s.closed {
				return
			}
			if !allowed {
				s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterDisabled, nil, ""))
				return
			}
			s.verifyCaptcha(m.CaptchaToken, func(ok bool) {
				if s.closed {
					return
				}
				if !ok {
					s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterInvalidCaptcha, nil, ""))
					return
				}
				srv.login.Dispatch(func() {
					err := srv.store.CreateAccount(m.Username, m.Password, secret, false)
					s.Dispatch(func() {
						if s.closed {
							return
						}
						if errors.Is(err, db.ErrUsernameTaken) {
							s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterUsernameTaken, nil, ""))
							return
						}
						if err != nil {
							s.logger.Error("register", "error", err)
							return
						}
						s.mintSession(m.Username, false, true)
					})
				})
			})
		})
	})
}

// registerWithInvite redeems the invite atomically with account creation.
// A bound invite overrides the client-supplied username.
func (s *Session) registerWithInvite(m protocol.Register, secret string) {
	srv := s.server
	srv.login.Dispatch(func() {
		entry, err := srv.store.RedeemInvite(m.InviteID, m.Username, m.Password, secret)
		s.Dispatch(func() {
			if s.closed {
				return
			}
			switch {
			case errors.Is(err, db.ErrInviteInvalid):
				s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterInviteInvalid, nil, ""))
			case errors.Is(err, db.ErrUsernameTaken):
				s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterUsernameTaken, nil, ""))
			case err != nil:
				s.logger.Error("redeem invite", "error", err)
			default:
				s.mintSession(entry.Username, entry.Admin, true)
			}
		})
	})
}

func (s *Session) handleValidateInvite(m protocol.ValidateInvite) {
	srv := s.server
	go func() {
		entry, err := srv.store.ValidateInvite(m.ID)
		s.QueueMessage(protocol.EncodeInviteValidation(err == nil, entry.Username))
	}()
}

// mintSession binds a fresh opaque session id to the account, evicts any
// prior session for it, and switches this one to its registered identity.
// Runs on the session owner; hops through the login and state owners.
func (s *Session) mintSession(username string, admin bool, registered bool) {
	srv := s.server
	id := uuid.New()
	sessionID := id[:]
	srv.login.Dispatch(func() {
		previous, err := srv.store.SetSessionID(username, sessionID)
		if err != nil {
			// The account exists; losing eviction of a stale session is
			// better than failing the whole login.
			s.logger.Error("record session id", "username", username, "error", err)
			previous = nil
		}
		srv.state.Dispatch(func() {
			if _, live := srv.sessions[s]; !live {
				return
			}
			srv.bindSessionID(s, sessionID, previous)
			for key, owner := range srv.byUsername {
				if owner == s {
					delete(srv.byUsername, key)
				}
			}
			srv.byUsername[strings.ToLower(username)] = s
			s.Dispatch(func() {
				if s.closed {
					return
				}
				oldName := s.username
				s.sessionID = sessionID
				s.username = username
				s.userType = protocol.UserTypeRegular
				if admin {
					s.userType = protocol.UserTypeAdmin
				}
				s.captchaRequired = false
				s.pendingTOTP, s.pendingTOTPUser, s.pendingTOTPAdmin = "", "", false
				if registered {
					s.QueueMessage(protocol.EncodeRegisterResult(protocol.RegisterSuccess, sessionID, username))
				} else {
					s.QueueMessage(protocol.EncodeLoginResult(protocol.LoginSuccess, sessionID, username))
				}
				s.QueueMessage(protocol.EncodeCaptchaRequired(false))
				s.announceRename(oldName, username)
			})
		})
	})
}

// handleBanIP runs the configured firewall hook with the target address in
// the environment. Fire and forget.
func (s *Session) handleBanIP(m protocol.BanIP) {
	ip := pairToIP(m.Hi, m.Lo)
	srv := s.server
	srv.state.Dispatch(func() {
		command := srv.settings[protocol.ServerSettingBanIPCommand].BanIPCommand
		go func() {
			if err := banip.Run(command, ip.String(), s.logger); err != nil {
				s.logger.Error("ban ip", "ip", ip.String(), "error", err)
			}
		}()
	})
}

// pairToIP reassembles the 128-bit wire address; IPv4-mapped addresses
// come back in 4-byte form.
func pairToIP(hi, lo uint64) net.IP {
	ip := make(net.IP, 16)
	binary.BigEndian.PutUint64(ip[:8], hi)
	binary.BigEndian.PutUint64(ip[8:], lo)
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
