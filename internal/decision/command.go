package decision

import "fmt"

// Command — закрытый набор команд для устройства.
// На проводе — строки WATER|SLEEP|ERROR.
type Command int

const (
	CommandSleep Command = iota
	CommandWater
	CommandError
)

func (c Command) String() string {
	switch c {
	case CommandSleep:
		return "SLEEP"
	case CommandWater:
		return "WATER"
	case CommandError:
		return "ERROR"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

func (c Command) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}
