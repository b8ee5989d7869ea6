package http

import (
	"strconv"
)

const TOKEN_DEFAULT = -1

// Gets parameter command as list of strings and processes it
func parseParameterCommand(command []string) (index uint64, subindex uint64, err error) {
	if len(command) != 3 {
		return 0, 0, ErrGwSyntaxError
	}
	index, e := strconv.ParseUint(command[1], 0, 64)
	if e != nil {
		return 0, 0, ErrGwSyntaxError
	}
	subindex, e = strconv.ParseUint(command[2], 0, 64)
	if e != nil {
		return 0, 0, ErrGwSyntaxError
	}
	if index > 0xFFFF || subindex > 0xFF {
		return 0, 0, ErrGwSyntaxError
	}
	return index, subindex, nil
}

// Parse raw slave string param
func parseSlaveParam(param string) (int, error) {
	if param == "default" {
		return TOKEN_DEFAULT, nil
	}
	slave, err := strconv.ParseUint(param, 0, 16)
	if err != nil {
		return 0, err
	}
	return int(slave), nil
}

// Parse a value given as a string into a fixed size value of datatype
func parseValue(value string, datatype string) (any, error) {
	switch datatype {
	case "u8", "u16", "u32":
		bits, _ := strconv.Atoi(datatype[1:])
		v, err := strconv.ParseUint(value, 0, bits)
		if err != nil {
			return nil, ErrGwSyntaxError
		}
		switch bits {
		case 8:
			return uint8(v), nil
		case 16:
			return uint16(v), nil
		default:
			return uint32(v), nil
		}
	case "i8", "i16", "i32":
		bits, _ := strconv.Atoi(datatype[1:])
		v, err := strconv.ParseInt(value, 0, bits)
		if err != nil {
			return nil, ErrGwSyntaxError
		}
		switch bits {
		case 8:
			return int8(v), nil
		case 16:
			return int16(v), nil
		default:
			return int32(v), nil
		}
	default:
		return nil, ErrGwRequestNotSupported
	}
}
