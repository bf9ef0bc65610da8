package camera

import (
	"encoding/binary"
	"errors"
	"image"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFits streams a fits file to w.  Multiple images of the same size are
// written as a cube.  Pixels are stored as int16 with BZERO=32768, which
// FITS readers turn back into uint16
func WriteFits(w io.Writer, metadata []fitsio.Card, imgs []*image.Gray16) error {
	if len(imgs) == 0 {
		return errors.New("no images to write")
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	nframes := len(imgs)
	b := imgs[0].Bounds()
	width, height := b.Dx(), b.Dy()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if nframes > 1 {
		dims = append(dims, nframes)
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	ints := make([]int16, width*height*nframes)
	offset := 0
	for _, img := range imgs {
		if ib := img.Bounds(); ib.Dx() != width || ib.Dy() != height {
			return errors.New("all images in a cube must be the same size")
		}
		for y := 0; y < height; y++ {
			row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
			for x := 0; x < width; x++ {
				u := binary.BigEndian.Uint16(row[2*x:])
				ints[offset] = int16(int32(u) - 32768)
				offset++
			}
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
