package protocol

import "fmt"

// errorNames maps the device-reported status byte to its firmware name.
// The table is fixed by the firmware; unlisted codes render as UNKNOWN.
var errorNames = map[byte]string{
	1:   "SCRATCH_WRT_FAIL",
	2:   "SCRATCH_ERASE_FAIL",
	3:   "DATA_BUFFER_OVERFLOW",
	4:   "ADC0_BUFFER_OVERFLOW",
	5:   "FUNCTION_INVALID",
	6:   "SWDT_TIME_INVALID",
	16:  "FLASH_WRITE_FAIL",
	17:  "FLASH_ERASE_FAIL",
	24:  "MEM_ILLEGAL_ADDRESS",
	25:  "FLASH_LOCKED",
	26:  "INVALID_BLOCK",
	27:  "FLASH_ILLEGAL_PAGE",
	28:  "FLASH_TOO_MANY_BYTES",
	48:  "STREAM_IS_ACTIVE",
	49:  "STREAM_TABLE_INVALID",
	50:  "STREAM_CONFIG_INVALID",
	52:  "STREAM_NOT_RUNNING",
	54:  "STREAM_ADC0_BUFFER_OVERFLOW",
	55:  "STREAM_SCAN_OVERLAP",
	56:  "STREAM_SAMPLE_NUM_INVALID",
	57:  "STREAM_BIPOLAR_GAIN_INVALID",
	58:  "STREAM_SCAN_RATE_INVALID",
	59:  "STREAM_AUTORECOVER_ACTIVE",
	60:  "STREAM_AUTORECOVER_REPORT",
	63:  "STREAM_AUTORECOVER_OVERFLOW",
	96:  "INVALID_PIN",
	97:  "PIN_CONFIGURED_FOR_ANALOG",
	98:  "PIN_CONFIGURED_FOR_DIGITAL",
	100: "INVALID_OFFSET",
	112: "UART_TIMEOUT",
	116: "I2C_BUS_BUSY",
}

// ErrorString converts a device-reported status byte to a readable
// description. Codes outside the table are rendered, not hidden.
func ErrorString(code byte) string {
	if name, ok := errorNames[code]; ok {
		return fmt.Sprintf("%s (%d)", name, code)
	}
	return fmt.Sprintf("UNKNOWN_ERROR (%d)", code)
}
