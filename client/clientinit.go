package client

import (
	"strconv"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/tscrypt"
)

// HardwareID is sent as hwid in clientinit
const HardwareID = "123,456"

// ClientInit builds the clientinit command sent once the session is keyed.
// Passwords are hashed here; the config holds them in clear text.
func ClientInit(cfg *config.Client, identity *tscrypt.Identity, version tscrypt.VersionSign) *protocol.TextCommand {
	return protocol.NewCommand(protocol.CmdClientInit).
		Add("client_nickname", cfg.Nickname).
		Add("client_version", version.Name).
		Add("client_platform", version.Platform).
		Add("client_input_hardware", "1").
		Add("client_output_hardware", "1").
		Add("client_default_channel", cfg.DefaultChannel).
		Add("client_default_channel_password", tscrypt.HashPassword(cfg.DefaultChannelPassword)).
		Add("client_server_password", tscrypt.HashPassword(cfg.ServerPassword)).
		Add("client_meta_data", "").
		Add("client_version_sign", version.Sign).
		Add("client_key_offset", strconv.FormatUint(identity.ValidKeyOffset, 10)).
		Add("client_nickname_phonetic", cfg.PhoneticNickname).
		Add("client_default_token", cfg.DefaultToken).
		Add("hwid", HardwareID)
}
