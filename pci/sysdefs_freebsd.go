package pci

// From sys/pciio.h (cgo -godefs).

type _Ctype___uint32_t = uint32

type _Ctype___uint8_t = _Ctype_uchar

type struct_pci_io struct {
	pi_sel   struct_pcisel
	pi_reg   int32
	pi_width int32
	pi_data  _Ctype_u_int32_t
}

type struct_pcisel struct {
	pc_domain _Ctype_u_int32_t
	pc_bus    _Ctype_u_int8_t
	pc_dev    _Ctype_u_int8_t
	pc_func   _Ctype_u_int8_t
	_         [1]byte
}

type _Ctype_u_int32_t = _Ctype___uint32_t

type _Ctype_u_int8_t = _Ctype___uint8_t

type _Ctype_uchar uint8

const PCIOCREAD = 0xc0147002
const PCIOCWRITE = 0xc0147003
