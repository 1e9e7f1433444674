// Package periph provides host stand-ins for the peripherals the reference
// applications drive: GPIO pins, an external interrupt controller and a
// loopback CAN bus. Drivers are synchronous and fallible, like their
// hardware counterparts, and never block.
package periph
